// Package rules turns the "filters" section of the configuration into a
// core.FilterSpec, and provides the built-in Logic capabilities.
package rules

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
)

// FolderDelimiter separates folder path segments in rule files
const FolderDelimiter = "/"

var (
	// ErrInvalidRule is returned for a malformed action entry
	ErrInvalidRule = errors.New("invalid rule")

	// ErrUnknownAction is returned for an unrecognised action type
	ErrUnknownAction = errors.New("unknown action type")

	// ErrNoLLM is returned when a spam rule is configured without an LLM provider
	ErrNoLLM = errors.New("spam rule requires an LLM provider")

	// ErrNoNotifier is returned when a notify rule is configured without SMTP
	ErrNoNotifier = errors.New("notify rule requires an SMTP relay")
)

// FolderConfig is one entry of the "filters" list
type FolderConfig struct {
	Folder  string                   `mapstructure:"folder"`
	Actions []map[string]interface{} `mapstructure:"actions"`
}

type moveSpec struct {
	Folder string `mapstructure:"folder"`
}

type flagsSpec struct {
	Set   []string `mapstructure:"set"`
	Clear []string `mapstructure:"clear"`
}

type cacheSpec struct {
	Key string `mapstructure:"key"`
}

type matchSpec struct {
	From    string                   `mapstructure:"from"`
	To      string                   `mapstructure:"to"`
	Subject string                   `mapstructure:"subject"`
	Header  map[string]string        `mapstructure:"header"`
	HasFlag string                   `mapstructure:"has_flag"`
	Then    []map[string]interface{} `mapstructure:"then"`
	Else    []map[string]interface{} `mapstructure:"else"`
}

type spamSpec struct {
	Threshold *float64                 `mapstructure:"threshold"`
	Whitelist []string                 `mapstructure:"whitelist"`
	Then      []map[string]interface{} `mapstructure:"then"`
	Else      []map[string]interface{} `mapstructure:"else"`
}

type notifySpec struct {
	To      []string `mapstructure:"to"`
	Subject string   `mapstructure:"subject"`
}

type logSpec struct {
	Message string `mapstructure:"message"`
}

// Builder creates filter specs from configuration
type Builder struct {
	logger   *zap.Logger
	llm      core.LLMClient
	notifier Notifier
	spam     config.SpamConfig
}

// NewBuilder creates a new Builder. llm and notifier may be nil, in which
// case rules needing them fail to build.
func NewBuilder(logger *zap.Logger, llm core.LLMClient, notifier Notifier, spam config.SpamConfig) *Builder {
	return &Builder{
		logger:   logger,
		llm:      llm,
		notifier: notifier,
		spam:     spam,
	}
}

// Load reads the "filters" section of cfg
func (b *Builder) Load(cfg *config.Config) (core.FilterSpec, error) {
	var folders []FolderConfig
	if err := cfg.UnmarshalKey("filters", &folders); err != nil {
		return nil, fmt.Errorf("failed to decode filters: %w", err)
	}
	return b.Build(folders)
}

// Build creates the filter spec for folders, preserving their order
func (b *Builder) Build(folders []FolderConfig) (core.FilterSpec, error) {
	spec := make(core.FilterSpec, 0, len(folders))
	for i, fc := range folders {
		path := fmt.Sprintf("filters[%d]", i)
		if fc.Folder == "" {
			return nil, fmt.Errorf("%s: %w: folder is required", path, ErrInvalidRule)
		}

		actions, err := b.buildActions(path+".actions", fc.Actions)
		if err != nil {
			return nil, err
		}
		spec = append(spec, core.FolderRules{
			Folder:  core.ParseFolder(fc.Folder, FolderDelimiter),
			Actions: actions,
		})
	}

	b.logger.Info("Loaded filter rules", zap.Int("folders", len(spec)))
	return spec, nil
}

func (b *Builder) buildActions(path string, raws []map[string]interface{}) ([]core.Action, error) {
	actions := make([]core.Action, 0, len(raws))
	for j, raw := range raws {
		action, err := b.buildAction(fmt.Sprintf("%s[%d]", path, j), raw)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func (b *Builder) buildAction(path string, raw map[string]interface{}) (core.Action, error) {
	kind, _ := raw["type"].(string)
	fields := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k != "type" {
			fields[k] = v
		}
	}

	switch kind {
	case "move":
		var spec moveSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		if spec.Folder == "" {
			return nil, fmt.Errorf("%s: %w: move needs a folder", path, ErrInvalidRule)
		}
		return core.Move(core.ParseFolder(spec.Folder, FolderDelimiter)), nil

	case "flags":
		var spec flagsSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		action, err := core.NewFlagsAction(core.NewFlags(spec.Set...), core.NewFlags(spec.Clear...))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return action, nil

	case "cache":
		var spec cacheSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		if spec.Key == "" {
			return core.Cache(), nil
		}
		return core.CacheKey(spec.Key), nil

	case "invalidate_cache":
		var spec cacheSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		if spec.Key == "" {
			return nil, fmt.Errorf("%s: %w: invalidate_cache needs a key", path, ErrInvalidRule)
		}
		return core.InvalidateCache(spec.Key), nil

	case "stop":
		if err := decode(path, fields, &struct{}{}); err != nil {
			return nil, err
		}
		return core.Stop(), nil

	case "match":
		var spec matchSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		return b.buildMatch(path, spec)

	case "spam":
		var spec spamSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		return b.buildSpam(path, spec)

	case "notify":
		var spec notifySpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		if b.notifier == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNoNotifier)
		}
		if len(spec.To) == 0 {
			return nil, fmt.Errorf("%s: %w: notify needs recipients", path, ErrInvalidRule)
		}
		return core.NewLogic(NewNotifyLogic(b.notifier, spec.To, spec.Subject)), nil

	case "log":
		var spec logSpec
		if err := decode(path, fields, &spec); err != nil {
			return nil, err
		}
		return core.NewLogic(NewLogLogic(b.logger, spec.Message)), nil

	case "":
		return nil, fmt.Errorf("%s: %w: type is required", path, ErrInvalidRule)
	default:
		return nil, fmt.Errorf("%s: %w: %q", path, ErrUnknownAction, kind)
	}
}

func (b *Builder) buildMatch(path string, spec matchSpec) (core.Action, error) {
	logic := &MatchLogic{hasFlag: spec.HasFlag}

	var err error
	if logic.from, err = compilePattern(spec.From); err != nil {
		return nil, fmt.Errorf("%s.from: %w", path, err)
	}
	if logic.to, err = compilePattern(spec.To); err != nil {
		return nil, fmt.Errorf("%s.to: %w", path, err)
	}
	if logic.subject, err = compilePattern(spec.Subject); err != nil {
		return nil, fmt.Errorf("%s.subject: %w", path, err)
	}
	for name, pattern := range spec.Header {
		p, err := compilePattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s.header.%s: %w", path, name, err)
		}
		if p != nil {
			logic.headers = append(logic.headers, headerPattern{name: name, pattern: p})
		}
	}

	if logic.then, err = b.buildActions(path+".then", spec.Then); err != nil {
		return nil, err
	}
	if logic.els, err = b.buildActions(path+".else", spec.Else); err != nil {
		return nil, err
	}
	return core.NewLogic(logic), nil
}

func (b *Builder) buildSpam(path string, spec spamSpec) (core.Action, error) {
	if b.llm == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoLLM)
	}

	threshold := b.spam.Threshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%s: %w: threshold %v outside [0, 1]", path, ErrInvalidRule, threshold)
	}

	whitelisted := append(append([]string(nil), b.spam.WhitelistedDomains...), spec.Whitelist...)

	then, err := b.buildActions(path+".then", spec.Then)
	if err != nil {
		return nil, err
	}
	els, err := b.buildActions(path+".else", spec.Else)
	if err != nil {
		return nil, err
	}
	return core.NewLogic(NewSpamLogic(b.llm, whitelisted, threshold, then, els, b.logger)), nil
}

func decode(path string, fields map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(fields); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrInvalidRule, err)
	}
	return nil
}
