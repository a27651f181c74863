package rules

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/adapters/mailparse"
	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/whitelist"
)

// SpamLogic asks an LLM whether a message is spam and emits "then" when the
// score reaches the threshold. Whitelisted senders always get "else".
type SpamLogic struct {
	client    core.LLMClient
	whitelist *whitelist.Checker
	threshold float64
	then      []core.Action
	els       []core.Action
	logger    *zap.Logger
}

// NewSpamLogic creates a new SpamLogic
func NewSpamLogic(
	client core.LLMClient,
	whitelisted []string,
	threshold float64,
	then, els []core.Action,
	logger *zap.Logger,
) *SpamLogic {
	return &SpamLogic{
		client:    client,
		whitelist: whitelist.NewChecker(whitelisted, logger),
		threshold: threshold,
		then:      then,
		els:       els,
		logger:    logger,
	}
}

// Process implements core.Logic
func (s *SpamLogic) Process(ctx context.Context, msg *core.Message, folder core.Folder) ([]core.Action, error) {
	if s.whitelist.IsWhitelisted(msg.From) {
		return core.Borrowed(s.els), nil
	}

	email, err := s.toEmail(ctx, msg)
	if err != nil {
		return nil, err
	}

	result, err := s.client.AnalyzeEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze email: %w", err)
	}

	isSpam := result.Score >= s.threshold
	s.logger.Info("Spam analysis completed",
		zap.String("id", msg.ID),
		zap.String("folder", folder.String()),
		zap.String("from", msg.From),
		zap.Bool("is_spam", isSpam),
		zap.Float64("score", result.Score),
		zap.Float64("confidence", result.Confidence),
		zap.String("model", result.ModelUsed),
		zap.String("explanation", result.Explanation))

	if isSpam {
		return core.Borrowed(s.then), nil
	}
	return core.Borrowed(s.els), nil
}

func (s *SpamLogic) toEmail(ctx context.Context, msg *core.Message) (*core.Email, error) {
	raw, err := msg.Body(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	body, err := mailparse.ExtractText(raw)
	if err != nil {
		return nil, err
	}
	headers, err := mailparse.Headers(raw)
	if err != nil {
		return nil, err
	}
	return &core.Email{
		From:    msg.From,
		To:      msg.Recipients(),
		Subject: msg.Subject,
		Body:    body,
		Headers: headers,
	}, nil
}

// Close releases the capabilities held by the nested actions
func (s *SpamLogic) Close() error {
	return errors.Join(core.CloseActions(s.then), core.CloseActions(s.els))
}

func (s *SpamLogic) String() string {
	return fmt.Sprintf("spam threshold=%.2f", s.threshold)
}
