package core

import (
	"context"
	"iter"
	"time"
)

// MailStore is the remote mailbox the sweep reads from and applies dispositions to
type MailStore interface {
	// ListMessages lists the messages currently in folder. The sequence can
	// be ranged over again on the next sweep.
	ListMessages(ctx context.Context, folder Folder) iter.Seq2[*Message, error]

	// MoveMessage moves msg to destination
	MoveMessage(ctx context.Context, msg *Message, destination Folder) error

	// SetFlags adds set and removes clear on msg
	SetFlags(ctx context.Context, msg *Message, set, clear Flags) error
}

// FolderWatermarker is implemented by stores that can tell whether a folder
// changed since a previous sweep
type FolderWatermarker interface {
	// FolderWatermark returns an opaque token that changes whenever
	// messages are added to or removed from folder
	FolderWatermark(ctx context.Context, folder Folder) (string, error)
}

// CacheRepository stores "already filtered" marks
type CacheRepository interface {
	// IsCached reports whether messageID is marked in scope
	IsCached(ctx context.Context, scope CacheScope, messageID string) (bool, error)

	// IsFiltered reports whether messageID, listed in folder, is marked in
	// that folder's scope or under any global key
	IsFiltered(ctx context.Context, folder Folder, messageID string) (bool, error)

	// MarkCached marks messageID in scope
	MarkCached(ctx context.Context, scope CacheScope, messageID string) error

	// Invalidate drops every mark written under key, in all folders
	Invalidate(ctx context.Context, key string) error

	// Cleanup removes expired entries
	Cleanup(ctx context.Context) error
}

// LLMClient defines the interface for interacting with LLM services
type LLMClient interface {
	// AnalyzeEmail analyzes an email to determine if it's spam
	AnalyzeEmail(ctx context.Context, email *Email) (*SpamAnalysisResult, error)
}

// SweepObserver receives sweep events, typically to export metrics
type SweepObserver interface {
	MessageProcessed(folder Folder, kind string)
	MessageFailed(folder Folder, stage string)
	LogicExpansions(n int)
	SweepCompleted(elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) MessageProcessed(Folder, string) {}
func (nopObserver) MessageFailed(Folder, string)    {}
func (nopObserver) LogicExpansions(int)             {}
func (nopObserver) SweepCompleted(time.Duration)    {}

// NopObserver discards all events
var NopObserver SweepObserver = nopObserver{}
