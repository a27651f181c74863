package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/utils"
	"go.uber.org/zap"
)

// ErrUnsupportedProvider is returned for an unknown llm.provider
var ErrUnsupportedProvider = errors.New("unsupported LLM provider")

// LLMFactory creates LLM clients
type LLMFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *LLMFactory {
	return &LLMFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateLLMClient creates a new LLM client based on the configuration.
// Provider "none" yields a nil client; spam rules then fail to load.
func (f *LLMFactory) CreateLLMClient(ctx context.Context) (core.LLMClient, error) {
	provider := f.cfg.GetLLM().Provider
	logger := f.logger.With(zap.String("provider", provider))

	switch provider {
	case "", "none":
		return nil, nil
	case "bedrock":
		logger.Info("Creating LLM client")
		return NewBedrockFactory(f.cfg, logger, f.textProcessor).CreateLLMClient(ctx)
	case "gemini":
		logger.Info("Creating LLM client")
		return NewGeminiFactory(f.cfg, logger, f.textProcessor).CreateLLMClient(ctx)
	case "openai":
		logger.Info("Creating LLM client")
		return NewOpenAIFactory(f.cfg, logger, f.textProcessor).CreateLLMClient()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
}
