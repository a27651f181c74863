package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/mikey/remote-mail-filter/internal/adapters/mailparse"
	"github.com/mikey/remote-mail-filter/internal/core"
)

// pattern is either a case-insensitive regular expression, written as
// "/expr/", or a substring compared under Unicode case folding.
type pattern struct {
	source string
	re     *regexp.Regexp
	folded string
}

func compilePattern(source string) (*pattern, error) {
	if source == "" {
		return nil, nil
	}
	if len(source) >= 2 && strings.HasPrefix(source, "/") && strings.HasSuffix(source, "/") {
		re, err := regexp.Compile("(?i)" + source[1:len(source)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return &pattern{source: source, re: re}, nil
	}
	return &pattern{source: source, folded: fold(source)}, nil
}

// fold applies Unicode case folding. A Caser keeps state, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func (p *pattern) matches(value string) bool {
	if p.re != nil {
		return p.re.MatchString(value)
	}
	return strings.Contains(fold(value), p.folded)
}

func (p *pattern) matchesAny(values []string) bool {
	for _, v := range values {
		if p.matches(v) {
			return true
		}
	}
	return false
}

type headerPattern struct {
	name    string
	pattern *pattern
}

// MatchLogic tests envelope fields and headers. Every configured test must
// pass for the "then" actions to be emitted, otherwise "else" is.
type MatchLogic struct {
	from    *pattern
	to      *pattern
	subject *pattern
	headers []headerPattern
	hasFlag string
	then    []core.Action
	els     []core.Action
}

// Process implements core.Logic
func (m *MatchLogic) Process(ctx context.Context, msg *core.Message, _ core.Folder) ([]core.Action, error) {
	ok, err := m.matches(ctx, msg)
	if err != nil {
		return nil, err
	}
	if ok {
		return core.Borrowed(m.then), nil
	}
	return core.Borrowed(m.els), nil
}

// Close releases the capabilities held by the nested actions
func (m *MatchLogic) Close() error {
	return errors.Join(core.CloseActions(m.then), core.CloseActions(m.els))
}

func (m *MatchLogic) matches(ctx context.Context, msg *core.Message) (bool, error) {
	if m.hasFlag != "" && !msg.Flags.Has(m.hasFlag) {
		return false, nil
	}
	if m.from != nil && !m.from.matches(msg.From) {
		return false, nil
	}
	if m.to != nil && !m.to.matchesAny(msg.Recipients()) {
		return false, nil
	}
	if m.subject != nil && !m.subject.matches(msg.Subject) {
		return false, nil
	}
	if len(m.headers) == 0 {
		return true, nil
	}

	raw, err := msg.Body(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load message: %w", err)
	}
	headers, err := mailparse.Headers(raw)
	if err != nil {
		return false, err
	}
	for _, hp := range m.headers {
		if !hp.pattern.matchesAny(lookupHeader(headers, hp.name)) {
			return false, nil
		}
	}
	return true, nil
}

func lookupHeader(headers map[string][]string, name string) []string {
	for key, values := range headers {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}

func (m *MatchLogic) String() string {
	var parts []string
	add := func(name string, p *pattern) {
		if p != nil {
			parts = append(parts, name+"="+p.source)
		}
	}
	add("from", m.from)
	add("to", m.to)
	add("subject", m.subject)
	for _, hp := range m.headers {
		add(hp.name, hp.pattern)
	}
	if m.hasFlag != "" {
		parts = append(parts, "flag="+m.hasFlag)
	}
	return "match " + strings.Join(parts, " ")
}
