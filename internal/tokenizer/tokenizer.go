// Package tokenizer estimates the token cost of chat requests before they are
// sent, so capacity can be reserved up front.
//
// Counting uses tiktoken with vocabularies compiled into the binary. Models
// tiktoken does not know are counted with cl100k_base; if no encoding can be
// loaded at all, counts fall back to about four bytes per token.
package tokenizer

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/aicsynergy/llmguard/pkg/types"
)

const (
	// BytesPerToken is the fallback text density.
	BytesPerToken = 4

	// DefaultMargin inflates prompt estimates to absorb counting error.
	DefaultMargin = 1.25

	defaultEncoding = "cl100k_base"
	messageOverhead = 4
	replyPrimer     = 3
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// CountTextTokens returns the token count of text for model. If no encoding
// is available it falls back to ceil(len(text)/BytesPerToken).
func CountTextTokens(model, text string) int64 {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return int64((len(text) + BytesPerToken - 1) / BytesPerToken)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

// EstimatePromptTokens estimates the input tokens of req.
func EstimatePromptTokens(req *types.ChatRequest) int64 {
	if req == nil {
		return 0
	}
	var total int64
	for _, msg := range req.Messages {
		total += CountTextTokens(req.Model, msg.Role) + CountTextTokens(req.Model, msg.Content) + messageOverhead
	}
	if req.ResponseFormat != nil && req.ResponseFormat.JSONSchema != nil {
		total += CountTextTokens(req.Model, string(req.ResponseFormat.JSONSchema.Schema))
	}
	return total + replyPrimer
}

// Estimator turns a request into the number of tokens to reserve.
type Estimator func(req *types.ChatRequest) int64

// EstimateRequest reserves the margin-adjusted prompt plus the full output
// allowance, since the provider may use all of max_tokens.
func EstimateRequest(req *types.ChatRequest) int64 {
	if req == nil {
		return 0
	}
	prompt := int64(math.Ceil(float64(EstimatePromptTokens(req)) * DefaultMargin))
	return prompt + int64(max(req.MaxTokens, 0))
}

// UsedTokens returns the provider-reported total, or -1 when unknown.
func UsedTokens(resp *types.ChatResponse) int64 {
	if resp == nil || resp.Usage == nil || resp.Usage.TotalTokens <= 0 {
		return -1
	}
	return int64(resp.Usage.TotalTokens)
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		return cached.(*tiktoken.Tiktoken)
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding(defaultEncoding); err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

// normalizeModelName strips a routing prefix such as "openai/".
func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
