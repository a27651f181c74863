package metrics

import (
	"time"

	"github.com/mikey/remote-mail-filter/internal/core"
)

// Observer records sweep events in the package metrics
type Observer struct{}

// NewObserver creates a new Observer
func NewObserver() *Observer {
	return &Observer{}
}

var _ core.SweepObserver = (*Observer)(nil)

// MessageProcessed implements core.SweepObserver
func (*Observer) MessageProcessed(folder core.Folder, kind string) {
	MessagesTotal.WithLabelValues(folder.String(), kind).Inc()
}

// MessageFailed implements core.SweepObserver
func (*Observer) MessageFailed(folder core.Folder, stage string) {
	MessageErrorsTotal.WithLabelValues(folder.String(), stage).Inc()
}

// LogicExpansions implements core.SweepObserver
func (*Observer) LogicExpansions(n int) {
	LogicExpansionsTotal.Add(float64(n))
}

// SweepCompleted implements core.SweepObserver
func (*Observer) SweepCompleted(elapsed time.Duration) {
	SweepDuration.Observe(elapsed.Seconds())
}
