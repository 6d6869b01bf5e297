// Package answer turns a retrieval response into a user-facing reply.
//
// Two composers share the Composer interface: Static renders the results
// directly, OpenAI asks a chat model to write prose grounded in them. A
// not_found response always produces the fixed no-match reply; composers
// never invent content for an empty result set.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/poolai/knowledge-engine/engine/domain"
)

// NotFoundReply is the fixed answer for queries with no relevant documents.
const NotFoundReply = "No relevant documents were found in the knowledge base for this query."

// Composer writes the final reply for a query response.
type Composer interface {
	Compose(ctx context.Context, resp domain.QueryResponse) (string, error)
}

// Static renders results without calling any model. It is the fallback when
// no chat credential is configured and the degraded path when the model is
// unreachable.
type Static struct{}

// Compose implements Composer.
func (Static) Compose(_ context.Context, resp domain.QueryResponse) (string, error) {
	return render(resp), nil
}

// render lists each result with its title, id, snippet and match reason.
func render(resp domain.QueryResponse) string {
	if !resp.Found() {
		return NotFoundReply
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant document(s):\n", len(resp.Results))
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- %s [%s]: %s (%s)\n", r.Title, r.DocumentID, r.MatchedSnippet, r.Reason)
	}
	return b.String()
}

// Options configures the OpenAI composer.
type Options struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Model:        openai.GPT4oMini,
		Temperature:  0.3,
		MaxTokens:    1024,
		SystemPrompt: defaultSystemPrompt,
	}
}

const defaultSystemPrompt = `You answer questions from an internal knowledge base.
Use ONLY the provided documents. Cite each document you rely on as [id].
If the documents do not contain the answer, say so.`

// OpenAIConfig configures the chat client.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

// OpenAI composes prose answers with a chat model. Chat failures degrade to
// the Static rendering so a model outage never hides retrieval results.
type OpenAI struct {
	client *openai.Client
	opts   Options
	logger *slog.Logger
}

// NewOpenAI creates the composer. A missing API key is reported immediately
// as domain.ErrProviderUnavailable.
func NewOpenAI(cfg OpenAIConfig, opts Options, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("answer: missing API key: %w", domain.ErrProviderUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = DefaultOptions().Model
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions().MaxTokens
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultOptions().SystemPrompt
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		opts:   opts,
		logger: logger,
	}, nil
}

// Compose implements Composer.
func (o *OpenAI) Compose(ctx context.Context, resp domain.QueryResponse) (string, error) {
	if !resp.Found() {
		return NotFoundReply, nil
	}

	chatResp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.opts.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(resp)},
		},
	})
	if err != nil || len(chatResp.Choices) == 0 {
		// Retrieval already succeeded; fall back to the plain rendering
		// instead of losing the results.
		o.logger.Warn("answer: chat failed, degrading to static rendering", "err", err)
		return render(resp), nil
	}
	return chatResp.Choices[0].Message.Content, nil
}

// buildPrompt formats the query and its supporting documents for the model.
func buildPrompt(resp domain.QueryResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nDocuments:\n", resp.Query)
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "[%s] %s (relevance %.3f)\n%s\n\n",
			r.DocumentID, r.Title, r.RelevanceScore, r.MatchedSnippet)
	}
	return b.String()
}
