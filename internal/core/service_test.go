package core_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/core"
)

// fakeStore is an in-memory mailbox. Moving a message gives it a new uid
// in the destination, like an IMAP server does.
type fakeStore struct {
	mu        sync.Mutex
	folders   map[string][]*core.Message
	nextUID   uint32
	flagCalls int
	moveCalls int
	listCalls int
	watermark bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{folders: make(map[string][]*core.Message), nextUID: 1}
}

func (s *fakeStore) add(folder core.Folder, subject string) *core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.newMessage(folder, subject)
	s.folders[folder.String()] = append(s.folders[folder.String()], msg)
	return msg
}

func (s *fakeStore) newMessage(folder core.Folder, subject string) *core.Message {
	uid := s.nextUID
	s.nextUID++
	return &core.Message{
		ID:      fmt.Sprintf("%s;1;%d", folder, uid),
		UID:     uid,
		Folder:  folder,
		Subject: subject,
		Flags:   core.NewFlags(),
	}
}

func (s *fakeStore) messages(folder core.Folder) []*core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.Message(nil), s.folders[folder.String()]...)
}

func (s *fakeStore) ListMessages(_ context.Context, folder core.Folder) iter.Seq2[*core.Message, error] {
	s.mu.Lock()
	s.listCalls++
	s.mu.Unlock()
	msgs := s.messages(folder)
	return func(yield func(*core.Message, error) bool) {
		for _, msg := range msgs {
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *fakeStore) MoveMessage(_ context.Context, msg *core.Message, destination core.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveCalls++
	src := msg.Folder.String()
	for i, m := range s.folders[src] {
		if m.ID == msg.ID {
			s.folders[src] = append(s.folders[src][:i], s.folders[src][i+1:]...)
			moved := s.newMessage(destination, msg.Subject)
			moved.Flags = msg.Flags.Clone()
			s.folders[destination.String()] = append(s.folders[destination.String()], moved)
			return nil
		}
	}
	return fmt.Errorf("message %s not found", msg.ID)
}

func (s *fakeStore) SetFlags(_ context.Context, msg *core.Message, set, clear core.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagCalls++
	msg.Flags.Add(set.Slice()...)
	msg.Flags.Remove(clear.Slice()...)
	return nil
}

// watermarkStore reports the number of messages in a folder as its watermark
type watermarkStore struct {
	*fakeStore
}

func (s watermarkStore) FolderWatermark(_ context.Context, folder core.Folder) (string, error) {
	return fmt.Sprintf("%d", len(s.messages(folder))), nil
}

// fakeCache keeps marks in a map keyed by scope and message id
type fakeCache struct {
	mu     sync.Mutex
	marks  map[string]map[string]core.CacheScope
	writes int
}

func newFakeCache() *fakeCache {
	return &fakeCache{marks: make(map[string]map[string]core.CacheScope)}
}

func (c *fakeCache) IsCached(_ context.Context, scope core.CacheScope, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.marks[id][scope.String()]
	return ok, nil
}

func (c *fakeCache) IsFiltered(_ context.Context, folder core.Folder, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, scope := range c.marks[id] {
		if scope.Applies(folder) {
			return true, nil
		}
	}
	return false, nil
}

func (c *fakeCache) MarkCached(_ context.Context, scope core.CacheScope, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.marks[id] == nil {
		c.marks[id] = make(map[string]core.CacheScope)
	}
	c.marks[id][scope.String()] = scope
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, scopes := range c.marks {
		delete(scopes, core.KeyScope(key).String())
	}
	return nil
}

func (c *fakeCache) Cleanup(context.Context) error { return nil }

func (c *fakeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, scopes := range c.marks {
		n += len(scopes)
	}
	return n
}

// recordingObserver counts processed dispositions and failures
type recordingObserver struct {
	mu        sync.Mutex
	processed map[string]int
	failed    map[string]int
	sweeps    int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{processed: make(map[string]int), failed: make(map[string]int)}
}

func (o *recordingObserver) MessageProcessed(_ core.Folder, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed[kind]++
}

func (o *recordingObserver) MessageFailed(_ core.Folder, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[stage]++
}

func (o *recordingObserver) LogicExpansions(int) {}

func (o *recordingObserver) SweepCompleted(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
}

// countingLogic counts invocations and emits nothing
type countingLogic struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLogic) Process(context.Context, *core.Message, core.Folder) ([]core.Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return nil, nil
}

func (l *countingLogic) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type closeCounter struct {
	closed int
}

func (c *closeCounter) Process(context.Context, *core.Message, core.Folder) ([]core.Action, error) {
	return nil, nil
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func newService(store core.MailStore, cache core.CacheRepository, opts core.SweepOptions, spec core.FilterSpec) *core.SweepService {
	return core.NewSweepService(store, cache, core.NewEvaluator(zap.NewNop(), 0), nil, zap.NewNop(), opts, spec)
}

func TestSweepMovesMessagesWithoutCaching(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	store.add(inbox, "one")
	store.add(inbox, "two")

	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.Move(archive)}}}
	svc := newService(store, cache, core.SweepOptions{}, spec)

	require.NoError(t, svc.SweepOnce(context.Background()))

	assert.Empty(t, store.messages(inbox))
	assert.Len(t, store.messages(archive), 2)
	assert.Equal(t, 0, cache.size())
}

func TestSweepAppliesFlagsThenMove(t *testing.T) {
	store := newFakeStore()
	store.add(inbox, "hello")

	set := mustFlags(t, core.NewFlags(`\Seen`), nil)
	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{set, core.Move(archive)}}}
	svc := newService(store, newFakeCache(), core.SweepOptions{}, spec)

	require.NoError(t, svc.SweepOnce(context.Background()))

	moved := store.messages(archive)
	require.Len(t, moved, 1)
	assert.True(t, moved[0].Flags.Has(`\Seen`))
	assert.Equal(t, 1, store.flagCalls)
}

func TestSweepSkipsMoveToCurrentFolder(t *testing.T) {
	store := newFakeStore()
	store.add(inbox, "hello")

	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.Move(inbox)}}}
	svc := newService(store, newFakeCache(), core.SweepOptions{}, spec)

	require.NoError(t, svc.SweepOnce(context.Background()))
	assert.Equal(t, 0, store.moveCalls)
	assert.Len(t, store.messages(inbox), 1)
}

func TestSweepCacheRoundTrip(t *testing.T) {
	control := core.NewFolder("Control")
	store := newFakeStore()
	cache := newFakeCache()
	store.add(inbox, "newsletter")

	counter := &countingLogic{}
	spec := core.FilterSpec{
		{Folder: inbox, Actions: []core.Action{core.NewLogic(counter), core.CacheKey("news")}},
		{Folder: control, Actions: []core.Action{core.InvalidateCache("news"), core.Stop()}},
	}
	svc := newService(store, cache, core.SweepOptions{}, spec)
	ctx := context.Background()

	require.NoError(t, svc.SweepOnce(ctx))
	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 1, counter.count(), "cached message must not be evaluated again")

	// A message showing up in Control drops the "news" marks
	store.add(control, "reset")
	require.NoError(t, svc.SweepOnce(ctx))
	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 2, counter.count())
}

func TestSweepFolderCacheIsFolderLocal(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	msg := store.add(inbox, "hello")

	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.Cache()}}}
	svc := newService(store, cache, core.SweepOptions{}, spec)
	require.NoError(t, svc.SweepOnce(context.Background()))

	ok, err := cache.IsFiltered(context.Background(), inbox, msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.IsFiltered(context.Background(), archive, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepIsolatesLogicFailures(t *testing.T) {
	store := newFakeStore()
	store.add(inbox, "bad")
	store.add(inbox, "good")

	picky := core.NewLogic(funcLogic(func(_ context.Context, msg *core.Message, _ core.Folder) ([]core.Action, error) {
		if msg.Subject == "bad" {
			return nil, errors.New("cannot handle")
		}
		return []core.Action{core.Move(archive)}, nil
	}))
	observer := newRecordingObserver()
	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{picky}}}
	svc := core.NewSweepService(store, newFakeCache(), core.NewEvaluator(zap.NewNop(), 0), observer, zap.NewNop(), core.SweepOptions{Workers: 2}, spec)

	require.NoError(t, svc.SweepOnce(context.Background()))

	remaining := store.messages(inbox)
	require.Len(t, remaining, 1)
	assert.Equal(t, "bad", remaining[0].Subject)
	assert.Len(t, store.messages(archive), 1)
	assert.Equal(t, 1, observer.failed["evaluate"])
	assert.Equal(t, 1, observer.processed["move"])
	assert.Equal(t, 1, observer.sweeps)
}

func TestSweepDryRunAppliesNothing(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	store.add(inbox, "hello")

	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{
		mustFlags(t, core.NewFlags(`\Seen`), nil),
		core.Cache(),
	}}}
	svc := newService(store, cache, core.SweepOptions{DryRun: true}, spec)

	require.NoError(t, svc.SweepOnce(context.Background()))
	assert.Equal(t, 0, store.flagCalls)
	assert.Equal(t, 0, cache.size())
}

func TestSweepSkipsUnchangedFolders(t *testing.T) {
	store := watermarkStore{newFakeStore()}
	store.add(inbox, "hello")

	counter := &countingLogic{}
	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.NewLogic(counter)}}}
	svc := newService(store, newFakeCache(), core.SweepOptions{SkipUnchanged: true}, spec)
	ctx := context.Background()

	require.NoError(t, svc.SweepOnce(ctx))
	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 1, counter.count())

	store.add(inbox, "another")
	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 3, counter.count())
}

func TestSweepRunsEveryEntryOfARepeatedFolder(t *testing.T) {
	store := watermarkStore{newFakeStore()}
	store.add(inbox, "hello")

	first := &countingLogic{}
	second := &countingLogic{}
	spec := core.FilterSpec{
		{Folder: inbox, Actions: []core.Action{core.NewLogic(first)}},
		{Folder: inbox, Actions: []core.Action{core.NewLogic(second)}},
	}
	svc := newService(store, newFakeCache(), core.SweepOptions{SkipUnchanged: true}, spec)
	ctx := context.Background()

	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())

	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())

	store.add(inbox, "another")
	require.NoError(t, svc.SweepOnce(ctx))
	assert.Equal(t, 3, first.count())
	assert.Equal(t, 3, second.count())
}

// slowLogic records how many evaluations overlap and caches the message
type slowLogic struct {
	mu        sync.Mutex
	active    int
	maxActive int
	calls     int
}

func (l *slowLogic) Process(context.Context, *core.Message, core.Folder) ([]core.Action, error) {
	l.mu.Lock()
	l.calls++
	l.active++
	l.maxActive = max(l.maxActive, l.active)
	l.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	return []core.Action{core.Cache()}, nil
}

func TestSweepSerializesSameMessageAcrossWorkers(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache()
	msg := store.add(inbox, "hello")
	store.mu.Lock()
	store.folders[inbox.String()] = append(store.folders[inbox.String()], msg)
	store.mu.Unlock()

	logic := &slowLogic{}
	observer := newRecordingObserver()
	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.NewLogic(logic)}}}
	svc := core.NewSweepService(store, cache, core.NewEvaluator(zap.NewNop(), 0), observer, zap.NewNop(), core.SweepOptions{Workers: 4}, spec)

	require.NoError(t, svc.SweepOnce(context.Background()))

	assert.Equal(t, 1, logic.calls, "second listing must see the cache mark")
	assert.Equal(t, 1, logic.maxActive)
	assert.Equal(t, 1, cache.writes)
	assert.Equal(t, 1, observer.processed["cached"])
	assert.Equal(t, 1, observer.processed["cache"])
}

func TestSweepRunStopsAfterCount(t *testing.T) {
	store := newFakeStore()
	spec := core.FilterSpec{{Folder: inbox}}
	svc := newService(store, newFakeCache(), core.SweepOptions{Count: 3}, spec)

	require.NoError(t, svc.Run(context.Background()))
	assert.Equal(t, 3, store.listCalls)
}

func TestSweepRunHonoursCancellation(t *testing.T) {
	spec := core.FilterSpec{{Folder: inbox}}
	svc := newService(newFakeStore(), newFakeCache(), core.SweepOptions{Interval: time.Hour}, spec)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	cancel()

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sweep loop did not stop")
	}
	require.NoError(t, svc.Stop())
}

func TestSweepReloadClosesPreviousSpec(t *testing.T) {
	oldLogic := &closeCounter{}
	newLogic := &closeCounter{}
	svc := newService(newFakeStore(), newFakeCache(), core.SweepOptions{},
		core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.NewLogic(oldLogic)}}})

	svc.SetFilterSpec(core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.NewLogic(newLogic)}}})
	assert.Equal(t, 0, oldLogic.closed)

	require.NoError(t, svc.SweepOnce(context.Background()))
	assert.Equal(t, 1, oldLogic.closed)
	assert.Equal(t, 0, newLogic.closed)

	require.NoError(t, svc.Close())
	assert.Equal(t, 1, newLogic.closed)
}

func TestFilterMessage(t *testing.T) {
	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.Move(archive)}}}
	svc := newService(newFakeStore(), newFakeCache(), core.SweepOptions{}, spec)

	d, err := svc.FilterMessage(context.Background(), testMessage(), inbox)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalMove, d.Terminal)

	_, err = svc.FilterMessage(context.Background(), testMessage(), archive)
	assert.ErrorIs(t, err, core.ErrNoRules)
}
