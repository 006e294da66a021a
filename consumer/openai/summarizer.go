// Package openai implements the Consumer capability with an OpenAI-compatible
// chat-completions API. It works with the OpenAI cloud or any self-hosted
// compatible endpoint via BaseURL.
package openai

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// defaultCandidateTags is the tag vocabulary offered to the model
const defaultCandidateTags = "AI,CV,deep-learning,GPT,LLM,foundation-model,HuggingFace," +
	"image-generation,inference,knowledge-extraction,language-model,machine-learning," +
	"model,NLP,QA,chatbot,speech-recognition,text-generation,text-to-speech,training"

// Config configures the summarizer
type Config struct {
	// APIKey authenticates against the API. Required for the OpenAI cloud,
	// optional for self-hosted compatible services.
	APIKey string `json:"api_key" yaml:"api_key"`

	// BaseURL overrides the API endpoint (default: OpenAI cloud)
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model is the chat model to use (default: gpt-4o-mini)
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// MaxTokens caps the completion length (default: 800)
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Instruction replaces the built-in summarization instruction
	Instruction string `json:"instruction,omitempty" yaml:"instruction,omitempty"`

	// CandidateTags replaces the built-in tag vocabulary
	CandidateTags string `json:"candidate_tags,omitempty" yaml:"candidate_tags,omitempty"`

	// Timeout bounds each API call (default: 60s)
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Summarizer calls a chat-completions API to summarize a batch of events
// into one Summary with tags.
type Summarizer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	instruction string
	logger      *slog.Logger
}

// New creates a summarizer from configuration
func New(cfg Config, logger *slog.Logger) (*Summarizer, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Summarizer", "New", "api_key is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 800
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key" // self-hosted services don't need a real key
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	if logger == nil {
		logger = slog.Default()
	}

	instruction := cfg.Instruction
	if instruction == "" {
		tags := cfg.CandidateTags
		if tags == "" {
			tags = defaultCandidateTags
		}
		instruction = buildInstruction(tags)
	}

	return &Summarizer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   maxTokens,
		instruction: instruction,
		logger:      logger,
	}, nil
}

func buildInstruction(tags string) string {
	return fmt.Sprintf(`Please follow the instructions below to generate the JSON response:
1. Summarize the collected JSON data wrapped by triple quotes.
2. Summarize the content CONCISELY, ACCURATELY, and COMPREHENSIVELY,
and concatenate the per-item summaries with \n\n in ONE "summary" field.
3. Generate at most 5 tags from %s.
If the content is irrelevant to all of the tags, use the tag "N/A" ONLY.
4. STRICTLY output the result as ONE JSON object, like:
{"summary": "This is a summary.", "tags": ["tag1", "tag2"]}`, tags)
}

// Summarize implements consumer.Consumer. The whole batch becomes one
// Summary whose Key is derived from the source fingerprints, so a retried
// dispatch produces the same storage key.
func (s *Summarizer) Summarize(ctx context.Context, b batch.Batch) ([]event.Summary, error) {
	if b.Size() == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fingerprints := make([]string, 0, b.Size())
	sourceIDs := make([]string, 0, b.Size())
	for _, ev := range b.Events {
		sb.Write(ev.Payload)
		sb.WriteByte('\n')
		fingerprints = append(fingerprints, ev.Fingerprint)
		sourceIDs = append(sourceIDs, ev.ID)
	}

	prompt := fmt.Sprintf("%s\n\"\"\"\n%s\"\"\"", s.instruction, sb.String())

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.WrapTransient(errors.ErrUnavailable, "Summarizer", "Summarize", "empty completion")
	}

	text, tags, err := parseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		s.logger.Warn("unparseable model response", "batch_id", b.ID, "error", err)
		return nil, err
	}

	return []event.Summary{{
		Key:       event.FingerprintContent(fingerprints...),
		Text:      text,
		Tags:      tags,
		SourceIDs: sourceIDs,
		BatchID:   b.ID,
		CreatedAt: time.Now().UTC(),
	}}, nil
}

// parseResponse extracts {summary, tags} from the model output, tolerating
// code fences and leading prose around the JSON object.
func parseResponse(content string) (string, []string, error) {
	raw := strings.TrimSpace(content)
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var parsed struct {
		Summary string   `json:"summary"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", nil, errors.WrapInvalid(errors.ErrParsingFailed, "Summarizer", "parseResponse",
			fmt.Sprintf("model output is not the expected JSON: %v", err))
	}
	if parsed.Summary == "" {
		return "", nil, errors.WrapInvalid(errors.ErrParsingFailed, "Summarizer", "parseResponse", "missing summary field")
	}
	return parsed.Summary, parsed.Tags, nil
}

// classifyAPIError maps API failures onto the pipeline error taxonomy
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return errors.WrapTransient(errors.ErrRateLimited, "Summarizer", "Summarize", apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return errors.WrapTransient(errors.ErrUnavailable, "Summarizer", "Summarize", apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusBadRequest,
			apiErr.HTTPStatusCode == http.StatusUnprocessableEntity:
			return errors.WrapInvalid(errors.ErrInvalidInput, "Summarizer", "Summarize", apiErr.Message)
		}
	}
	// Network errors, timeouts, unknown statuses: worth retrying
	return errors.WrapTransient(err, "Summarizer", "Summarize", "chat completion")
}
