package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoRules is returned by FilterMessage for a folder without rules
var ErrNoRules = errors.New("no rules for folder")

// SweepOptions tunes the sweep loop
type SweepOptions struct {
	// Interval is the pause between two passes over the rules
	Interval time.Duration
	// Count limits the number of passes; zero runs until cancelled
	Count int
	// Workers is the number of messages of one folder evaluated concurrently
	Workers int
	// SkipUnchanged skips folders whose watermark did not move since the
	// last clean pass. Needs a store implementing FolderWatermarker.
	SkipUnchanged bool
	// DryRun logs dispositions instead of applying them
	DryRun bool
}

// SweepService repeatedly walks the filter spec, evaluates every message of
// every listed folder and applies the resulting dispositions
type SweepService struct {
	store     MailStore
	cache     CacheRepository
	evaluator *Evaluator
	observer  SweepObserver
	logger    *zap.Logger
	opts      SweepOptions
	locks     *keyedMutex

	mu      sync.Mutex
	spec    FilterSpec
	next    FilterSpec
	hasNext bool
	cancel  context.CancelFunc
	done    chan struct{}

	// watermarks holds the last mark per FilterSpec entry; only the sweeping
	// goroutine touches it
	watermarks  map[watermarkKey]string
	invalidated atomic.Bool
}

// NewSweepService creates a new sweep service
func NewSweepService(
	store MailStore,
	cache CacheRepository,
	evaluator *Evaluator,
	observer SweepObserver,
	logger *zap.Logger,
	opts SweepOptions,
	spec FilterSpec,
) *SweepService {
	if observer == nil {
		observer = NopObserver
	}
	return &SweepService{
		store:      store,
		cache:      cache,
		evaluator:  evaluator,
		observer:   observer,
		logger:     logger,
		opts:       opts,
		locks:      newKeyedMutex(),
		spec:       spec,
		watermarks: make(map[watermarkKey]string),
	}
}

// SetFilterSpec replaces the rules. The swap happens between two passes and
// the previous spec is closed at that point.
func (s *SweepService) SetFilterSpec(spec FilterSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasNext {
		if err := s.next.Close(); err != nil {
			s.logger.Warn("Failed to close superseded filter spec", zap.Error(err))
		}
	}
	s.next = spec
	s.hasNext = true
}

func (s *SweepService) currentSpec() FilterSpec {
	s.mu.Lock()
	if !s.hasNext {
		spec := s.spec
		s.mu.Unlock()
		return spec
	}
	old := s.spec
	s.spec, s.next, s.hasNext = s.next, nil, false
	spec := s.spec
	s.mu.Unlock()

	clear(s.watermarks)
	if err := old.Close(); err != nil {
		s.logger.Warn("Failed to close previous filter spec", zap.Error(err))
	}
	s.logger.Info("Filter rules reloaded", zap.Int("folders", len(spec)))
	return spec
}

// Run sweeps until ctx is cancelled or the configured pass count is reached.
// Cancellation is observed between folders and between messages.
func (s *SweepService) Run(ctx context.Context) error {
	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.SweepOnce(ctx); err != nil {
			return err
		}
		if s.opts.Count > 0 && pass >= s.opts.Count {
			return nil
		}
		if s.opts.Interval > 0 {
			timer := time.NewTimer(s.opts.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// SweepOnce makes one pass over every folder of the filter rules, in order. Folder
// failures are logged; only cancellation is returned.
func (s *SweepService) SweepOnce(ctx context.Context) error {
	spec := s.currentSpec()
	start := time.Now()

	for i, rules := range spec {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sweepFolder(ctx, i, rules); err != nil {
			s.logger.Error("Failed to sweep folder",
				zap.String("folder", rules.Folder.String()),
				zap.Error(err))
			s.observer.MessageFailed(rules.Folder, "list")
		}
	}

	// Marks were dropped somewhere, so unchanged folders may hold eligible messages again.
	if s.invalidated.Swap(false) {
		clear(s.watermarks)
	}

	s.observer.SweepCompleted(time.Since(start))
	return ctx.Err()
}

// watermarkKey identifies one entry of the FilterSpec. A folder listed twice has
// two entries, each with its own mark.
type watermarkKey struct {
	entry  int
	folder string
}

func (s *SweepService) sweepFolder(ctx context.Context, entry int, rules FolderRules) error {
	folder := rules.Folder
	name := folder.String()
	key := watermarkKey{entry: entry, folder: name}

	var mark string
	if wm, ok := s.store.(FolderWatermarker); ok && s.opts.SkipUnchanged {
		m, err := wm.FolderWatermark(ctx, folder)
		if err != nil {
			return fmt.Errorf("failed to read folder watermark: %w", err)
		}
		if prev, seen := s.watermarks[key]; seen && prev == m {
			s.logger.Debug("No new messages in folder", zap.String("folder", name))
			return nil
		}
		mark = m
	}

	s.logger.Debug("Sweeping folder", zap.String("folder", name))

	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(max(s.opts.Workers, 1))

	var listErr error
	for msg, err := range s.store.ListMessages(ctx, folder) {
		if err != nil {
			listErr = fmt.Errorf("failed to list messages: %w", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !s.processMessage(ctx, rules, msg) {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if listErr != nil {
		return listErr
	}
	if mark != "" && failed.Load() == 0 && ctx.Err() == nil {
		s.watermarks[key] = mark
	}
	return nil
}

// processMessage handles one message and reports whether it succeeded. The
// per-message lock makes the cache lookup, the evaluation, the mail store
// changes and the cache write one step for that message.
func (s *SweepService) processMessage(ctx context.Context, rules FolderRules, msg *Message) bool {
	unlock := s.locks.Lock(msg.ID)
	defer unlock()

	folder := rules.Folder
	log := s.logger.With(
		zap.String("folder", folder.String()),
		zap.String("message", msg.ID),
		zap.Uint32("uid", msg.UID))

	filtered, err := s.cache.IsFiltered(ctx, folder, msg.ID)
	if err != nil {
		log.Error("Failed to look up filter cache", zap.Error(err))
		s.observer.MessageFailed(folder, "cache")
		return false
	}
	if filtered {
		log.Debug("Skipping already filtered message")
		s.observer.MessageProcessed(folder, "cached")
		return true
	}

	d, err := s.evaluator.Evaluate(ctx, msg, folder, rules.Actions)
	if err != nil {
		log.Error("Failed to evaluate rules", zap.Error(err))
		s.observer.MessageFailed(folder, "evaluate")
		return false
	}
	s.observer.LogicExpansions(d.Expansions)

	if err := s.apply(ctx, folder, msg, d, log); err != nil {
		log.Error("Failed to apply disposition", zap.String("disposition", d.Kind()), zap.Error(err))
		s.observer.MessageFailed(folder, "apply")
		return false
	}

	s.observer.MessageProcessed(folder, d.Kind())
	return true
}

func (s *SweepService) apply(ctx context.Context, folder Folder, msg *Message, d *Disposition, log *zap.Logger) error {
	if d.IsNoop() {
		log.Debug("No action for message", zap.String("terminal", d.Terminal.String()))
		return nil
	}

	if s.opts.DryRun {
		fields := []zap.Field{
			zap.String("disposition", d.Kind()),
			zap.Strings("set", d.Set.Slice()),
			zap.Strings("clear", d.Clear.Slice()),
			zap.Strings("invalidate", d.Invalidations),
		}
		if d.Terminal == TerminalMove {
			fields = append(fields, zap.String("destination", d.Destination.String()))
		}
		if d.Cache != nil {
			fields = append(fields, zap.String("cache_scope", d.Cache.String()))
		}
		log.Info("Dry run, not applying disposition", fields...)
		return nil
	}

	for _, key := range d.Invalidations {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			return fmt.Errorf("failed to invalidate cache key %q: %w", key, err)
		}
		s.invalidated.Store(true)
		log.Debug("Invalidated cache key", zap.String("key", key))
	}

	if d.HasFlagChanges() {
		if err := s.store.SetFlags(ctx, msg, d.Set, d.Clear); err != nil {
			return fmt.Errorf("failed to change flags: %w", err)
		}
	}

	if d.Terminal == TerminalMove {
		if d.Destination.Equal(folder) {
			log.Debug("Message already in destination folder")
			return nil
		}
		if err := s.store.MoveMessage(ctx, msg, d.Destination); err != nil {
			return fmt.Errorf("failed to move message to %s: %w", d.Destination, err)
		}
		log.Info("Moved message", zap.String("destination", d.Destination.String()))
		return nil
	}

	if d.Cache != nil {
		if err := s.cache.MarkCached(ctx, *d.Cache, msg.ID); err != nil {
			return fmt.Errorf("failed to mark message as filtered: %w", err)
		}
	}
	return nil
}

// FilterMessage evaluates msg against the rules of folder without applying
// anything. It is meant for dry runs and diagnostics.
func (s *SweepService) FilterMessage(ctx context.Context, msg *Message, folder Folder) (*Disposition, error) {
	s.mu.Lock()
	spec := s.spec
	if s.hasNext {
		spec = s.next
	}
	s.mu.Unlock()

	for _, rules := range spec {
		if rules.Folder.Equal(folder) {
			return s.evaluator.Evaluate(ctx, msg, folder, rules.Actions)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRules, folder)
}

// Start runs the sweep loop in the background
func (s *SweepService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("sweep already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		s.logger.Info("Sweep loop started",
			zap.Duration("interval", s.opts.Interval),
			zap.Int("workers", max(s.opts.Workers, 1)),
			zap.Bool("dry_run", s.opts.DryRun))
		err := s.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Sweep loop ended", zap.Error(err))
			return
		}
		s.logger.Info("Sweep loop stopped")
	}()
	return nil
}

// Done is closed once a started loop has returned. It is nil before Start.
func (s *SweepService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop cancels the loop started by Start and waits for it to return
func (s *SweepService) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Close releases the rules. The loop must be stopped first.
func (s *SweepService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := []error{s.spec.Close()}
	if s.hasNext {
		errs = append(errs, s.next.Close())
	}
	s.spec, s.next, s.hasNext = nil, nil, false
	return errors.Join(errs...)
}
