package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrLogicFailed wraps an error or panic raised by a Logic capability
	ErrLogicFailed = errors.New("logic action failed")
	// ErrExpansionLimit is returned when a chain invokes too many Logic actions
	ErrExpansionLimit = errors.New("logic expansion limit exceeded")
)

// DefaultMaxExpansions bounds Logic invocations per message
const DefaultMaxExpansions = 256

// Evaluator walks action chains and computes dispositions
type Evaluator struct {
	logger        *zap.Logger
	maxExpansions int
}

// NewEvaluator creates an evaluator. A non-positive maxExpansions uses DefaultMaxExpansions.
func NewEvaluator(logger *zap.Logger, maxExpansions int) *Evaluator {
	if maxExpansions <= 0 {
		maxExpansions = DefaultMaxExpansions
	}
	return &Evaluator{
		logger:        logger,
		maxExpansions: maxExpansions,
	}
}

// queueItem is an action waiting in the chain. Owned items were produced by
// Logic during this evaluation; the others are borrowed from the root list.
type queueItem struct {
	action Action
	owned  bool
}

// chain is the working queue. Its front is the top of pending if any,
// otherwise root[next]. Spliced actions are pushed onto pending in reverse so
// they come out in the order Logic returned them, ahead of their siblings.
type chain struct {
	root    []Action
	next    int
	pending []queueItem
}

func (c *chain) pop() (queueItem, bool) {
	if n := len(c.pending); n > 0 {
		item := c.pending[n-1]
		c.pending[n-1] = queueItem{}
		c.pending = c.pending[:n-1]
		return item, true
	}
	if c.next < len(c.root) {
		item := queueItem{action: c.root[c.next]}
		c.next++
		return item, true
	}
	return queueItem{}, false
}

func (c *chain) pushFront(actions []Action) {
	for i := len(actions) - 1; i >= 0; i-- {
		c.pending = append(c.pending, queueItem{action: actions[i], owned: true})
	}
}

// drain removes the owned items still queued, front first
func (c *chain) drain() []Action {
	out := make([]Action, 0, len(c.pending))
	for i := len(c.pending) - 1; i >= 0; i-- {
		out = append(out, c.pending[i].action)
	}
	c.pending = nil
	return out
}

// Evaluate runs actions against msg, which is listed in folder, and returns
// the accumulated disposition. Root actions are never modified or closed.
// A failing Logic capability aborts this message only; the returned error
// wraps ErrLogicFailed or ErrExpansionLimit.
func (e *Evaluator) Evaluate(ctx context.Context, msg *Message, folder Folder, actions []Action) (*Disposition, error) {
	q := &chain{root: actions}
	d := newDisposition()
	defer func() {
		e.release(msg, q.drain())
	}()

	for {
		item, ok := q.pop()
		if !ok {
			return d, nil
		}

		switch a := item.action.(type) {
		case LogicAction:
			if d.Expansions >= e.maxExpansions {
				if item.owned {
					e.release(msg, []Action{a})
				}
				return nil, fmt.Errorf("%w: %d invocations", ErrExpansionLimit, d.Expansions)
			}
			d.Expansions++
			out, err := e.invoke(ctx, a, msg, folder)
			if item.owned {
				e.release(msg, []Action{a})
			}
			if err != nil {
				e.release(msg, out)
				return nil, err
			}
			q.pushFront(out)
		case FlagsAction:
			d.mergeFlags(a)
		case MoveAction:
			d.Terminal = TerminalMove
			d.Destination = a.Destination
			return d, nil
		case CacheAction:
			scope := a.Scope(folder)
			d.Terminal = TerminalCache
			d.Cache = &scope
			return d, nil
		case InvalidateCacheAction:
			d.Invalidations = append(d.Invalidations, a.Key)
		case StopAction:
			d.Terminal = TerminalStop
			return d, nil
		case nil:
			e.logger.Debug("Skipping nil action", zap.String("message", msg.ID))
		default:
			return nil, fmt.Errorf("unsupported action type %T", a)
		}
	}
}

// invoke calls the capability, turning a panic into an error
func (e *Evaluator) invoke(ctx context.Context, a LogicAction, msg *Message, folder Folder) (out []Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %s panicked: %v", ErrLogicFailed, a, r)
		}
	}()

	out, err = a.Logic.Process(ctx, msg, folder)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrLogicFailed, a, err)
	}
	return out, nil
}

// release closes owned capabilities that will not be evaluated any further
func (e *Evaluator) release(msg *Message, actions []Action) {
	for _, a := range actions {
		if err := closeAction(a); err != nil {
			e.logger.Warn("Failed to release logic action",
				zap.String("message", msg.ID),
				zap.String("action", a.String()),
				zap.Error(err))
		}
	}
}
