// Package llm holds the prompt and response handling shared by the
// LLM-backed spam classifiers.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/utils"
)

// ErrNoVerdict is returned when a model reply holds no JSON object
var ErrNoVerdict = errors.New("no verdict in LLM response")

// SystemPrompt is sent as the system role where the API has one
const SystemPrompt = "You are a spam detection system. Respond only with JSON."

const promptFormat = `You are a spam detection system. Analyze the following email and determine if it's spam.
Respond with a JSON object containing:
- is_spam: boolean (true if spam, false if not)
- score: number between 0 and 1 (higher means more likely to be spam)
- confidence: number between 0 and 1 (how confident you are in your assessment)
- explanation: string (brief explanation of why you think it's spam or not)

Email:
From: %s
To: %s
Subject: %s
Body:
%s

Respond only with the JSON object and nothing else.`

// Verdict is the JSON object the model is asked for
type Verdict struct {
	IsSpam      bool    `json:"is_spam"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Prompter renders emails into prompts
type Prompter struct {
	textProcessor *utils.TextProcessor
	maxBodySize   int
}

// NewPrompter creates a new Prompter. Bodies longer than maxBodySize bytes
// are truncated.
func NewPrompter(textProcessor *utils.TextProcessor, maxBodySize int) *Prompter {
	return &Prompter{textProcessor: textProcessor, maxBodySize: maxBodySize}
}

// Render formats email into the classification prompt
func (p *Prompter) Render(email *core.Email) string {
	to := ""
	if len(email.To) > 0 {
		to = email.To[0]
		if len(email.To) > 1 {
			to += fmt.Sprintf(" and %d others", len(email.To)-1)
		}
	}

	body := p.textProcessor.ProcessText(email.Body, p.maxBodySize)
	return fmt.Sprintf(promptFormat, email.From, to, email.Subject, body)
}

// ParseVerdict reads the model reply, tolerating text around the JSON object
func ParseVerdict(text, model, processingID string) (*core.SpamAnalysisResult, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		start := strings.IndexByte(text, '{')
		end := strings.LastIndexByte(text, '}')
		if start < 0 || end < start {
			return nil, ErrNoVerdict
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
			return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
		}
	}

	return &core.SpamAnalysisResult{
		IsSpam:       v.IsSpam,
		Score:        v.Score,
		Confidence:   v.Confidence,
		Explanation:  v.Explanation,
		AnalyzedAt:   time.Now(),
		ModelUsed:    model,
		ProcessingID: processingID,
	}, nil
}
