package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/jonesrussell/llm-gateway/internal/provider"
)

// keyPayload is the canonical form hashed into a cache key. Only fields
// that change the upstream answer participate; the model is derived from
// the task type and so is already covered.
type keyPayload struct {
	Messages    []provider.Message `json:"messages"`
	TaskType    string             `json:"task_type"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

// cacheKey produces a stable key for a request. Message content is
// whitespace-normalized so trivially reformatted prompts share an entry.
func cacheKey(messages []provider.Message, opts Options) string {
	normalized := make([]provider.Message, len(messages))
	for i, m := range messages {
		normalized[i] = provider.Message{
			Role:    m.Role,
			Content: normalizeWhitespace(m.Content),
		}
	}

	payload, _ := json.Marshal(keyPayload{
		Messages:    normalized,
		TaskType:    string(opts.TaskType),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	sum := sha256.Sum256(payload)
	return "resp:" + hex.EncodeToString(sum[:])
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
