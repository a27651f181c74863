package di

import (
	"context"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/adapters/imap"
	"github.com/mikey/remote-mail-filter/internal/adapters/oauth"
	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/factory"
	"github.com/mikey/remote-mail-filter/internal/logging"
	"github.com/mikey/remote-mail-filter/internal/metrics"
	"github.com/mikey/remote-mail-filter/internal/rules"
	"github.com/mikey/remote-mail-filter/internal/utils"
)

// Options are the command line settings the container is built from
type Options struct {
	// ConfigPath is an explicit config file; empty searches the defaults
	ConfigPath string
	// DryRun forces sweep.dry_run on
	DryRun bool
	// Verbose forces debug logging
	Verbose bool
	// Count overrides sweep.count when positive
	Count int
	// MemoryCache replaces the configured cache backend with the in-memory one
	MemoryCache bool
}

// SweepParams groups the dependencies of the sweep service
type SweepParams struct {
	dig.In

	Config    *config.Config
	Logger    *zap.Logger
	Store     *imap.Store
	Cache     factory.StoppableCache
	Evaluator *core.Evaluator
	Observer  core.SweepObserver
	Spec      core.FilterSpec
}

// BuildContainer creates and configures a dependency injection container
func BuildContainer(ctx context.Context, opts Options) (*dig.Container, error) {
	container := dig.New()

	providers := []interface{}{
		// Configuration
		func() (*config.Config, error) {
			cfg, err := config.New(opts.ConfigPath)
			if err != nil {
				return nil, err
			}
			if opts.DryRun {
				cfg.GetViper().Set("sweep.dry_run", true)
			}
			if opts.Verbose {
				cfg.GetViper().Set("logging.level", "debug")
			}
			if opts.Count > 0 {
				cfg.GetViper().Set("sweep.count", opts.Count)
			}
			if opts.MemoryCache {
				cfg.GetViper().Set("cache.type", "memory")
			}
			return cfg, nil
		},
		logging.InitLogger,
		utils.NewTextProcessor,

		// Factories
		factory.NewLLMFactory,
		factory.NewCacheFactory,

		func(f *factory.LLMFactory) (core.LLMClient, error) {
			return f.CreateLLMClient(ctx)
		},
		func(f *factory.CacheFactory) (factory.StoppableCache, error) {
			return f.CreateCacheRepository(ctx)
		},

		// Mail store
		func(cfg *config.Config, logger *zap.Logger) (*imap.Store, error) {
			imapCfg, err := cfg.GetIMAP()
			if err != nil {
				return nil, err
			}
			logger = logger.With(zap.String("component", "imap"))
			if imapCfg.Auth == "oauthbearer" || imapCfg.Auth == "xoauth2" {
				tokens, err := oauth.NewTokenSource(ctx, cfg.GetOAuth2(), logger)
				if err != nil {
					return nil, err
				}
				return imap.NewStore(imapCfg, tokens, logger), nil
			}
			return imap.NewStore(imapCfg, nil, logger), nil
		},

		// Rules
		func(cfg *config.Config, logger *zap.Logger) (rules.Notifier, error) {
			smtpCfg := cfg.GetSMTP()
			if smtpCfg.Host == "" {
				return nil, nil
			}
			notifier, err := rules.NewSMTPNotifier(smtpCfg, logger.With(zap.String("component", "smtp")))
			if err != nil {
				return nil, err
			}
			return notifier, nil
		},
		func(cfg *config.Config, logger *zap.Logger, llm core.LLMClient, notifier rules.Notifier) *rules.Builder {
			return rules.NewBuilder(logger.With(zap.String("component", "rules")), llm, notifier, cfg.GetSpam())
		},
		func(cfg *config.Config, b *rules.Builder) (core.FilterSpec, error) {
			return b.Load(cfg)
		},

		// Evaluation
		func(cfg *config.Config, logger *zap.Logger) (*core.Evaluator, error) {
			sweep, err := cfg.GetSweep()
			if err != nil {
				return nil, err
			}
			return core.NewEvaluator(logger, sweep.MaxExpansions), nil
		},
		func() core.SweepObserver {
			return metrics.NewObserver()
		},
		func(cfg *config.Config, logger *zap.Logger) *metrics.Server {
			return metrics.NewServer(cfg.GetMetrics(), logger.With(zap.String("component", "metrics")))
		},
		newSweepService,
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}
	return container, nil
}

func newSweepService(p SweepParams) (*core.SweepService, error) {
	sweep, err := p.Config.GetSweep()
	if err != nil {
		return nil, err
	}
	return core.NewSweepService(
		p.Store,
		p.Cache,
		p.Evaluator,
		p.Observer,
		p.Logger,
		core.SweepOptions{
			Interval:      sweep.Interval,
			Count:         sweep.Count,
			Workers:       sweep.Workers,
			SkipUnchanged: sweep.SkipUnchanged,
			DryRun:        sweep.DryRun,
		},
		p.Spec,
	), nil
}
