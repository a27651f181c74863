package core

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrAmbiguousChangeFlags is returned when a flag change sets and clears the same flag
var ErrAmbiguousChangeFlags = errors.New("set and clear flags must not intersect")

// Action is one step of rule processing. The set of variants is closed:
// LogicAction, MoveAction, FlagsAction, CacheAction, InvalidateCacheAction
// and StopAction.
type Action interface {
	fmt.Stringer
	isAction()
}

// Logic is custom rule code. Process may return further actions, including
// new Logic actions, which are evaluated before whatever followed the
// originating action. Returned actions belong to the evaluator; a returned
// capability implementing io.Closer is closed once it has been consumed or
// discarded. A Logic that hands out actions it keeps for later messages
// returns them through Borrowed and closes them itself.
type Logic interface {
	Process(ctx context.Context, msg *Message, folder Folder) ([]Action, error)
}

// LogicAction wraps a Logic capability
type LogicAction struct {
	Logic Logic
}

// MoveAction moves the message to Destination. Terminal.
type MoveAction struct {
	Destination Folder
}

// FlagsAction sets and clears flags. The two sets are always disjoint.
type FlagsAction struct {
	set   Flags
	clear Flags
}

// CacheAction marks the message as filtered. Terminal.
//
// Without a key the mark applies to the current folder only. With a key it
// applies in every folder and can be dropped by InvalidateCacheAction. The
// mark is not written when the message is moved.
type CacheAction struct {
	key    string
	global bool
}

// InvalidateCacheAction drops every mark written with Key, across all folders
type InvalidateCacheAction struct {
	Key string
}

// StopAction ends the chain. Terminal.
type StopAction struct{}

func (LogicAction) isAction()           {}
func (MoveAction) isAction()            {}
func (FlagsAction) isAction()           {}
func (CacheAction) isAction()           {}
func (InvalidateCacheAction) isAction() {}
func (StopAction) isAction()            {}

// NewLogic wraps l into an Action
func NewLogic(l Logic) Action {
	return LogicAction{Logic: l}
}

// Move returns an action moving the message to destination
func Move(destination Folder) Action {
	return MoveAction{Destination: destination}
}

// NewFlagsAction builds a flag change from two disjoint sets
func NewFlagsAction(set, clear Flags) (Action, error) {
	if overlap := set.Intersection(clear); overlap.Len() > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousChangeFlags, overlap)
	}
	return FlagsAction{set: set.Clone(), clear: clear.Clone()}, nil
}

// Cache returns a folder-local cache action
func Cache() Action {
	return CacheAction{}
}

// CacheKey returns a global cache action under key
func CacheKey(key string) Action {
	return CacheAction{key: key, global: true}
}

// InvalidateCache returns an action dropping marks written with key
func InvalidateCache(key string) Action {
	return InvalidateCacheAction{Key: key}
}

// Stop returns the stop action
func Stop() Action {
	return StopAction{}
}

// Set returns the flags to add. Callers must not modify it.
func (a FlagsAction) Set() Flags { return a.set }

// Clear returns the flags to remove. Callers must not modify it.
func (a FlagsAction) Clear() Flags { return a.clear }

// Key returns the cache key and whether one was given
func (a CacheAction) Key() (string, bool) { return a.key, a.global }

// Scope resolves the mark scope for a message in folder
func (a CacheAction) Scope(folder Folder) CacheScope {
	if a.global {
		return KeyScope(a.key)
	}
	return FolderScope(folder)
}

func (a LogicAction) String() string {
	if s, ok := a.Logic.(fmt.Stringer); ok {
		return "logic(" + s.String() + ")"
	}
	return fmt.Sprintf("logic(%T)", a.Logic)
}

func (a MoveAction) String() string { return "move(" + a.Destination.String() + ")" }

func (a FlagsAction) String() string {
	return "flags(set=" + a.set.String() + " clear=" + a.clear.String() + ")"
}

func (a CacheAction) String() string {
	if a.global {
		return "cache(" + a.key + ")"
	}
	return "cache"
}

func (a InvalidateCacheAction) String() string { return "invalidate_cache(" + a.Key + ")" }

func (StopAction) String() string { return "stop" }

// Borrowed copies actions so that the evaluator runs but never closes their
// capabilities
func Borrowed(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		if logic, ok := a.(LogicAction); ok {
			if _, closes := logic.Logic.(io.Closer); closes {
				a = LogicAction{Logic: borrowedLogic{logic.Logic}}
			}
		}
		out[i] = a
	}
	return out
}

// borrowedLogic hides the Close method of the wrapped capability
type borrowedLogic struct {
	Logic
}

func (b borrowedLogic) String() string {
	return LogicAction{Logic: b.Logic}.String()
}

// CloseActions closes every capability held by actions
func CloseActions(actions []Action) error {
	var errs []error
	for _, a := range actions {
		if err := closeAction(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeAction releases the capability of a Logic action, if it holds any
func closeAction(a Action) error {
	logic, ok := a.(LogicAction)
	if !ok {
		return nil
	}
	if closer, ok := logic.Logic.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
