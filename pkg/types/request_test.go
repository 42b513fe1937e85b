package types //nolint:revive // package name is intentional

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequestMarshal_OmitsUnsetFields(t *testing.T) {
	req := ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`, string(data))
}

func TestChatRequestMarshal_JSONSchemaFormat(t *testing.T) {
	req := ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []ChatMessage{{Role: RoleUser, Content: "hi"}},
		Temperature: Float64(0),
		ResponseFormat: &ResponseFormat{
			Type:       FormatJSONSchema,
			JSONSchema: &JSONSchema{Name: "result", Schema: json.RawMessage(`{"type":"object"}`), Strict: true},
		},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Contains(t, payload, "temperature", "an explicit zero temperature must be sent")
	format := payload["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
}

func TestChatResponseFirstChoice(t *testing.T) {
	var nilResp *ChatResponse
	_, ok := nilResp.FirstChoice()
	assert.False(t, ok)

	_, ok = (&ChatResponse{}).FirstChoice()
	assert.False(t, ok)

	resp := &ChatResponse{Choices: []Choice{{Message: ChatMessage{Role: RoleAssistant, Content: "x"}, FinishReason: FinishStop}}}
	c, ok := resp.FirstChoice()
	require.True(t, ok)
	assert.Equal(t, "x", c.Message.Content)
}
