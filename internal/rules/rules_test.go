package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
)

const rawMessage = "From: Jürgen Bäcker <juergen@shop.example>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: Ärger mit der Rechnung\r\n" +
	"List-Id: <offers.shop.example>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Bitte zahlen Sie sofort.\r\n"

type fakeLLM struct {
	score float64
	err   error
	calls int
}

func (f *fakeLLM) AnalyzeEmail(_ context.Context, email *core.Email) (*core.SpamAnalysisResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &core.SpamAnalysisResult{IsSpam: f.score >= 0.5, Score: f.score, ModelUsed: "fake"}, nil
}

type sentNotification struct {
	to      []string
	subject string
	body    string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Notify(_ context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{to: to, subject: subject, body: body})
	return nil
}

var inbox = core.NewFolder("INBOX")

func newMessage() *core.Message {
	msg := &core.Message{
		ID:      "INBOX;7;1",
		UID:     1,
		Folder:  inbox,
		From:    "juergen@shop.example",
		To:      []string{"me@example.com"},
		Subject: "Ärger mit der Rechnung",
		Flags:   core.NewFlags(`\Seen`),
	}
	msg.SetBody([]byte(rawMessage))
	return msg
}

func newBuilder(llm core.LLMClient, notifier Notifier) *Builder {
	return NewBuilder(zap.NewNop(), llm, notifier, config.SpamConfig{Threshold: 0.7})
}

func evaluate(t *testing.T, actions []core.Action) (*core.Disposition, error) {
	t.Helper()
	return core.NewEvaluator(zap.NewNop(), 0).Evaluate(context.Background(), newMessage(), inbox, actions)
}

func buildOne(t *testing.T, b *Builder, actions ...map[string]interface{}) ([]core.Action, error) {
	t.Helper()
	spec, err := b.Build([]FolderConfig{{Folder: "INBOX", Actions: actions}})
	if err != nil {
		return nil, err
	}
	require.Len(t, spec, 1)
	return spec[0].Actions, nil
}

func TestLoadFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
filters:
  - folder: INBOX/Work
    actions:
      - type: match
        from: "@boss.example"
        then:
          - type: flags
            set: ["\\Flagged"]
          - type: stop
      - type: flags
        set: ["\\Seen"]
        clear: ["$Junk"]
      - type: move
        folder: Archive/2024
  - folder: Control
    actions:
      - type: invalidate_cache
        key: news
      - type: cache
        key: control
`), 0o600))

	cfg, err := config.New(path)
	require.NoError(t, err)

	spec, err := newBuilder(nil, nil).Load(cfg)
	require.NoError(t, err)
	require.Len(t, spec, 2)

	assert.Equal(t, []string{"INBOX", "Work"}, spec[0].Folder.Path)
	require.Len(t, spec[0].Actions, 3)
	assert.Equal(t, "logic(match from=@boss.example)", spec[0].Actions[0].String())
	assert.Equal(t, "move(Archive/2024)", spec[0].Actions[2].String())

	assert.Equal(t, "Control", spec[1].Folder.String())
	assert.Equal(t, "invalidate_cache(news)", spec[1].Actions[0].String())
	assert.Equal(t, "cache(control)", spec[1].Actions[1].String())
}

func TestBuildRejectsAmbiguousFlags(t *testing.T) {
	_, err := buildOne(t, newBuilder(nil, nil),
		map[string]interface{}{"type": "stop"},
		map[string]interface{}{"type": "flags", "set": []interface{}{"a", "b"}, "clear": []interface{}{"b"}},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAmbiguousChangeFlags)
	assert.Contains(t, err.Error(), "filters[0].actions[1]")
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name   string
		action map[string]interface{}
		want   error
		path   string
	}{
		{"missing type", map[string]interface{}{"folder": "x"}, ErrInvalidRule, "filters[0].actions[0]"},
		{"unknown type", map[string]interface{}{"type": "explode"}, ErrUnknownAction, "filters[0].actions[0]"},
		{"unknown field", map[string]interface{}{"type": "move", "folder": "x", "speed": 3}, ErrInvalidRule, "filters[0].actions[0]"},
		{"move without folder", map[string]interface{}{"type": "move"}, ErrInvalidRule, "filters[0].actions[0]"},
		{"invalidate without key", map[string]interface{}{"type": "invalidate_cache"}, ErrInvalidRule, "filters[0].actions[0]"},
		{"bad regex", map[string]interface{}{"type": "match", "subject": "/(/"}, ErrInvalidRule, "filters[0].actions[0].subject"},
		{"spam without llm", map[string]interface{}{"type": "spam"}, ErrNoLLM, "filters[0].actions[0]"},
		{"notify without smtp", map[string]interface{}{"type": "notify", "to": "me@example.com"}, ErrNoNotifier, "filters[0].actions[0]"},
		{
			"nested",
			map[string]interface{}{
				"type": "match",
				"from": "x",
				"then": []interface{}{
					map[string]interface{}{"type": "stop"},
					map[string]interface{}{"type": "bogus"},
				},
			},
			ErrUnknownAction,
			"filters[0].actions[0].then[1]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildOne(t, newBuilder(nil, nil), tc.action)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), tc.path)
		})
	}
}

func TestBuildRequiresFolder(t *testing.T) {
	_, err := newBuilder(nil, nil).Build([]FolderConfig{{Actions: nil}})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestMatchCaseFolding(t *testing.T) {
	actions, err := buildOne(t, newBuilder(nil, nil), map[string]interface{}{
		"type":    "match",
		"subject": "ÄRGER",
		"from":    "SHOP.EXAMPLE",
		"then":    []interface{}{map[string]interface{}{"type": "move", "folder": "Bills"}},
		"else":    []interface{}{map[string]interface{}{"type": "stop"}},
	})
	require.NoError(t, err)

	d, err := evaluate(t, actions)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalMove, d.Terminal)
	assert.Equal(t, "Bills", d.Destination.String())
}

func TestMatchRegexAndElse(t *testing.T) {
	actions, err := buildOne(t, newBuilder(nil, nil), map[string]interface{}{
		"type":    "match",
		"subject": "/^invoice \\d+$/",
		"then":    []interface{}{map[string]interface{}{"type": "move", "folder": "Bills"}},
		"else":    []interface{}{map[string]interface{}{"type": "flags", "set": `\Flagged`}},
	})
	require.NoError(t, err)

	d, err := evaluate(t, actions)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalNone, d.Terminal)
	assert.True(t, d.Set.Has(`\Flagged`))
}

func TestMatchHeaderAndFlag(t *testing.T) {
	actions, err := buildOne(t, newBuilder(nil, nil), map[string]interface{}{
		"type":     "match",
		"header":   map[string]interface{}{"list-id": "offers.shop"},
		"to":       "/@example\\.com$/",
		"has_flag": `\Seen`,
		"then":     []interface{}{map[string]interface{}{"type": "cache", "key": "lists"}},
	})
	require.NoError(t, err)

	d, err := evaluate(t, actions)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalCache, d.Terminal)
	require.NotNil(t, d.Cache)
	assert.Equal(t, core.KeyScope("lists"), *d.Cache)
}

func TestMatchMissingFlag(t *testing.T) {
	actions, err := buildOne(t, newBuilder(nil, nil), map[string]interface{}{
		"type":     "match",
		"has_flag": `\Answered`,
		"then":     []interface{}{map[string]interface{}{"type": "stop"}},
	})
	require.NoError(t, err)

	d, err := evaluate(t, actions)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalNone, d.Terminal)
}

func TestSpamLogic(t *testing.T) {
	spamRule := map[string]interface{}{
		"type": "spam",
		"then": []interface{}{map[string]interface{}{"type": "move", "folder": "Junk"}},
		"else": []interface{}{map[string]interface{}{"type": "cache"}},
	}

	t.Run("above threshold", func(t *testing.T) {
		llm := &fakeLLM{score: 0.9}
		actions, err := buildOne(t, newBuilder(llm, nil), spamRule)
		require.NoError(t, err)

		d, err := evaluate(t, actions)
		require.NoError(t, err)
		assert.Equal(t, core.TerminalMove, d.Terminal)
		assert.Equal(t, "Junk", d.Destination.String())
		assert.Equal(t, 1, llm.calls)
	})

	t.Run("below threshold", func(t *testing.T) {
		llm := &fakeLLM{score: 0.5}
		actions, err := buildOne(t, newBuilder(llm, nil), spamRule)
		require.NoError(t, err)

		d, err := evaluate(t, actions)
		require.NoError(t, err)
		assert.Equal(t, core.TerminalCache, d.Terminal)
	})

	t.Run("rule threshold overrides default", func(t *testing.T) {
		llm := &fakeLLM{score: 0.5}
		rule := map[string]interface{}{"threshold": 0.4}
		for k, v := range spamRule {
			rule[k] = v
		}
		actions, err := buildOne(t, newBuilder(llm, nil), rule)
		require.NoError(t, err)

		d, err := evaluate(t, actions)
		require.NoError(t, err)
		assert.Equal(t, core.TerminalMove, d.Terminal)
	})

	t.Run("whitelisted sender", func(t *testing.T) {
		llm := &fakeLLM{score: 1}
		rule := map[string]interface{}{"whitelist": "shop.example"}
		for k, v := range spamRule {
			rule[k] = v
		}
		actions, err := buildOne(t, newBuilder(llm, nil), rule)
		require.NoError(t, err)

		d, err := evaluate(t, actions)
		require.NoError(t, err)
		assert.Equal(t, core.TerminalCache, d.Terminal)
		assert.Zero(t, llm.calls)
	})

	t.Run("llm failure", func(t *testing.T) {
		llm := &fakeLLM{err: errors.New("throttled")}
		actions, err := buildOne(t, newBuilder(llm, nil), spamRule)
		require.NoError(t, err)

		_, err = evaluate(t, actions)
		assert.ErrorIs(t, err, core.ErrLogicFailed)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		rule := map[string]interface{}{"type": "spam", "threshold": 1.5}
		_, err := buildOne(t, newBuilder(&fakeLLM{}, nil), rule)
		assert.ErrorIs(t, err, ErrInvalidRule)
	})
}

func TestNotifyLogic(t *testing.T) {
	notifier := &fakeNotifier{}
	actions, err := buildOne(t, newBuilder(nil, notifier),
		map[string]interface{}{"type": "notify", "to": "me@example.com,you@example.com"},
		map[string]interface{}{"type": "log", "message": "seen"},
		map[string]interface{}{"type": "stop"},
	)
	require.NoError(t, err)

	d, err := evaluate(t, actions)
	require.NoError(t, err)
	assert.Equal(t, core.TerminalStop, d.Terminal)
	assert.Equal(t, 2, d.Expansions)

	require.Len(t, notifier.sent, 1)
	sent := notifier.sent[0]
	assert.Equal(t, []string{"me@example.com", "you@example.com"}, sent.to)
	assert.Equal(t, defaultNotifySubject, sent.subject)
	assert.Contains(t, sent.body, "Ärger mit der Rechnung")
	assert.Contains(t, sent.body, "INBOX;7;1")
}

// closeRecorder counts how often it is processed and closed
type closeRecorder struct {
	processed int
	closed    int
}

func (c *closeRecorder) Process(context.Context, *core.Message, core.Folder) ([]core.Action, error) {
	c.processed++
	return nil, nil
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestNestedActionsOutliveMessages(t *testing.T) {
	inner := &closeRecorder{}
	nested := &MatchLogic{then: []core.Action{core.NewLogic(inner)}}
	root := &MatchLogic{then: []core.Action{core.NewLogic(nested)}}
	spec := core.FilterSpec{{Folder: inbox, Actions: []core.Action{core.NewLogic(root)}}}

	for range 2 {
		_, err := evaluate(t, spec[0].Actions)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, inner.processed)
	assert.Equal(t, 0, inner.closed)

	require.NoError(t, spec.Close())
	assert.Equal(t, 1, inner.closed)
}
