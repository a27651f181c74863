package rules

import (
	"context"

	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/core"
)

// LogLogic records the message it sees and emits nothing
type LogLogic struct {
	logger  *zap.Logger
	message string
}

// NewLogLogic creates a new LogLogic. An empty message logs a default text.
func NewLogLogic(logger *zap.Logger, message string) *LogLogic {
	if message == "" {
		message = "Rule matched"
	}
	return &LogLogic{logger: logger, message: message}
}

// Process implements core.Logic
func (l *LogLogic) Process(_ context.Context, msg *core.Message, folder core.Folder) ([]core.Action, error) {
	l.logger.Info(l.message,
		zap.String("id", msg.ID),
		zap.String("folder", folder.String()),
		zap.String("from", msg.From),
		zap.String("subject", msg.Subject))
	return nil, nil
}

func (l *LogLogic) String() string {
	return "log"
}
