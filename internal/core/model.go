package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoBody is returned by Message.Body when the store attached no loader
var ErrNoBody = errors.New("message body not available")

// Folder identifies a mailbox on the remote server by its path segments
type Folder struct {
	Path []string
}

// NewFolder creates a folder from its path segments
func NewFolder(segments ...string) Folder {
	return Folder{Path: segments}
}

// ParseFolder splits a delimited mailbox name such as "INBOX/Work"
func ParseFolder(name, delimiter string) Folder {
	if delimiter == "" {
		return Folder{Path: []string{name}}
	}
	return Folder{Path: strings.Split(name, delimiter)}
}

// Join renders the folder path with the given hierarchy delimiter
func (f Folder) Join(delimiter string) string {
	return strings.Join(f.Path, delimiter)
}

// String renders the folder path with "/" separators
func (f Folder) String() string {
	return f.Join("/")
}

// Equal reports whether both folders have the same path
func (f Folder) Equal(other Folder) bool {
	if len(f.Path) != len(other.Path) {
		return false
	}
	for i := range f.Path {
		if f.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

// BodyLoader fetches the raw RFC 822 content of a message on demand
type BodyLoader func(ctx context.Context) ([]byte, error)

// Message is a handle to one message in a remote folder. The evaluator only
// reads it; changes go through the MailStore after the chain resolves.
type Message struct {
	// ID is unique across the whole mailbox (folder, uid validity and uid)
	ID        string
	UID       uint32
	Folder    Folder
	From      string
	To        []string
	Cc        []string
	Subject   string
	MessageID string
	Date      time.Time
	Flags     Flags

	loader  BodyLoader
	once    sync.Once
	body    []byte
	bodyErr error
}

// SetBodyLoader attaches the function used by Body
func (m *Message) SetBodyLoader(loader BodyLoader) {
	m.loader = loader
}

// SetBody attaches already fetched content
func (m *Message) SetBody(raw []byte) {
	m.loader = func(context.Context) ([]byte, error) { return raw, nil }
}

// Body returns the raw message, fetching it on first use
func (m *Message) Body(ctx context.Context) ([]byte, error) {
	if m.loader == nil {
		return nil, ErrNoBody
	}
	m.once.Do(func() {
		m.body, m.bodyErr = m.loader(ctx)
	})
	return m.body, m.bodyErr
}

// Recipients returns To followed by Cc
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// FolderRules pairs a folder with the root actions evaluated for each of its messages
type FolderRules struct {
	Folder  Folder
	Actions []Action
}

// FilterSpec is the ordered list of folders swept on every pass
type FilterSpec []FolderRules

// Close releases root Logic capabilities that hold resources. Capabilities
// nested in a root Logic are reached through its own Close. It is called
// when a spec is replaced or at shutdown, never during a sweep.
func (s FilterSpec) Close() error {
	var errs []error
	for _, rules := range s {
		errs = append(errs, CloseActions(rules.Actions))
	}
	return errors.Join(errs...)
}

// Terminal is the kind of action that ended a chain
type Terminal int

const (
	// TerminalNone means the queue was exhausted
	TerminalNone Terminal = iota
	TerminalMove
	TerminalCache
	TerminalStop
)

func (t Terminal) String() string {
	switch t {
	case TerminalMove:
		return "move"
	case TerminalCache:
		return "cache"
	case TerminalStop:
		return "stop"
	}
	return "none"
}

// Disposition is the outcome of evaluating one message
type Disposition struct {
	Terminal      Terminal
	Destination   Folder
	Set           Flags
	Clear         Flags
	Cache         *CacheScope
	Invalidations []string
	// Expansions counts Logic invocations made while evaluating
	Expansions int
}

func newDisposition() *Disposition {
	return &Disposition{Set: NewFlags(), Clear: NewFlags()}
}

// HasFlagChanges reports whether any flag is to be set or cleared
func (d *Disposition) HasFlagChanges() bool {
	return d.Set.Len() > 0 || d.Clear.Len() > 0
}

// IsNoop reports whether applying the disposition would change nothing
func (d *Disposition) IsNoop() bool {
	return d.Terminal != TerminalMove && d.Cache == nil && !d.HasFlagChanges() && len(d.Invalidations) == 0
}

// Kind is a short label for logs and metrics
func (d *Disposition) Kind() string {
	switch {
	case d.Terminal == TerminalMove:
		return "move"
	case d.Cache != nil:
		return "cache"
	case d.HasFlagChanges():
		return "flags"
	case len(d.Invalidations) > 0:
		return "invalidate"
	}
	return "none"
}

// mergeFlags folds a flag change into the accumulated one. A later change
// wins over an earlier one for the same flag, so Set and Clear stay disjoint.
func (d *Disposition) mergeFlags(change FlagsAction) {
	for name := range change.set {
		d.Clear.Remove(name)
		d.Set.Add(name)
	}
	for name := range change.clear {
		d.Set.Remove(name)
		d.Clear.Add(name)
	}
}

// CacheScope says where an "already filtered" mark applies: the folder the
// message sits in, or globally under a key that InvalidateCache can clear.
type CacheScope struct {
	Folder Folder
	Key    string
	Global bool
}

// FolderScope returns the folder-local scope
func FolderScope(folder Folder) CacheScope {
	return CacheScope{Folder: folder}
}

// KeyScope returns the global scope for key
func KeyScope(key string) CacheScope {
	return CacheScope{Key: key, Global: true}
}

// scopeSegmentEscaper keeps a "/" inside a segment apart from the separator
var scopeSegmentEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// String is the stored form of the scope. Folder segments are escaped, so
// ["INBOX/Work"] and ["INBOX", "Work"] stay distinct.
func (s CacheScope) String() string {
	if s.Global {
		return "key:" + s.Key
	}
	segments := make([]string, len(s.Folder.Path))
	for i, segment := range s.Folder.Path {
		segments[i] = scopeSegmentEscaper.Replace(segment)
	}
	return "folder:" + strings.Join(segments, "/")
}

// Applies reports whether a mark in this scope hides a message listed in folder
func (s CacheScope) Applies(folder Folder) bool {
	return s.Global || s.Folder.Equal(folder)
}

// CacheEntry represents a stored "already filtered" mark
type CacheEntry struct {
	Scope     CacheScope
	MessageID string
	CachedAt  time.Time
	// ExpiresAt is zero when the mark never expires
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Email is the flattened view of a message handed to an LLM
type Email struct {
	From    string
	To      []string
	Subject string
	Body    string
	Headers map[string][]string
}

// SpamAnalysisResult represents the result of spam analysis
type SpamAnalysisResult struct {
	IsSpam       bool
	Score        float64
	Confidence   float64
	Explanation  string
	AnalyzedAt   time.Time
	ModelUsed    string
	ProcessingID string
}
