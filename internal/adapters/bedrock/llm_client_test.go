package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/adapters/llm"
	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/utils"
)

type fakeInvoker struct {
	request map[string]interface{}
	reply   string
}

func (f *fakeInvoker) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if err := json.Unmarshal(in.Body, &f.request); err != nil {
		return nil, err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.reply)}, nil
}

func newTestClient(modelID string, invoker ModelInvoker) *BedrockClient {
	prompter := llm.NewPrompter(utils.NewTextProcessor(zap.NewNop()), 1024)
	return NewBedrockClient(invoker, modelID, 200, 0.1, 0.9, zap.NewNop(), prompter)
}

func TestAnalyzeEmailClaude(t *testing.T) {
	invoker := &fakeInvoker{reply: `{"content":[{"type":"text","text":"{\"is_spam\":true,\"score\":0.95,\"confidence\":0.9,\"explanation\":\"phishing\"}"}]}`}
	client := newTestClient("anthropic.claude-3-haiku-20240307-v1:0", invoker)

	res, err := client.AnalyzeEmail(context.Background(), &core.Email{From: "x@example.com", Subject: "Win", Body: "prize"})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, "phishing", res.Explanation)

	assert.Equal(t, anthropicVersion, invoker.request["anthropic_version"])
	assert.Len(t, invoker.request["messages"], 1)
}

func TestAnalyzeEmailTitan(t *testing.T) {
	invoker := &fakeInvoker{reply: `{"results":[{"outputText":"{\"is_spam\":false,\"score\":0.1}"}]}`}
	client := newTestClient("amazon.titan-text-express-v1", invoker)

	res, err := client.AnalyzeEmail(context.Background(), &core.Email{From: "x@example.com"})
	require.NoError(t, err)
	assert.False(t, res.IsSpam)
	assert.Contains(t, invoker.request, "inputText")
}
