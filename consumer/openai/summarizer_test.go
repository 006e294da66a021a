package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// fakeAPI returns an httptest server that answers chat completion requests
// with the given content, or the given status code if non-zero.
func fakeAPI(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "nope", "type": "test"}}`))
			return
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newSummarizer(t *testing.T, baseURL string) *Summarizer {
	t.Helper()
	s, err := New(Config{
		APIKey:  "test-key",
		BaseURL: baseURL + "/v1",
		Timeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	return s
}

func mkBatch(t *testing.T, fps ...string) batch.Batch {
	t.Helper()
	events := make([]event.Event, 0, len(fps))
	for _, fp := range fps {
		ev, err := event.New("test", event.KindPoll, fp, map[string]string{"content": "about " + fp})
		require.NoError(t, err)
		events = append(events, ev)
	}
	b := batch.Singleton(events[0])
	b.Events = events
	return b
}

func TestSummarizeSuccess(t *testing.T) {
	srv := fakeAPI(t, `{"summary": "Two interesting repos.", "tags": ["LLM", "NLP"]}`, 0)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	got, err := s.Summarize(context.Background(), mkBatch(t, "fp-a", "fp-b"))
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "Two interesting repos.", got[0].Text)
	assert.Equal(t, []string{"LLM", "NLP"}, got[0].Tags)
	assert.Len(t, got[0].SourceIDs, 2)
	assert.Equal(t, event.FingerprintContent("fp-a", "fp-b"), got[0].Key)
}

func TestSummarizeStableKeyAcrossRetries(t *testing.T) {
	srv := fakeAPI(t, `{"summary": "s", "tags": []}`, 0)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	b := mkBatch(t, "fp-a", "fp-b")

	first, err := s.Summarize(context.Background(), b)
	require.NoError(t, err)
	second, err := s.Summarize(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, first[0].Key, second[0].Key, "retried dispatch must produce the same storage key")
}

func TestSummarizeFencedResponse(t *testing.T) {
	srv := fakeAPI(t, "```json\n{\"summary\": \"fenced\", \"tags\": [\"AI\"]}\n```", 0)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	got, err := s.Summarize(context.Background(), mkBatch(t, "x"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fenced", got[0].Text)
}

func TestSummarizeGarbageResponse(t *testing.T) {
	srv := fakeAPI(t, "I refuse to answer in JSON.", 0)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	_, err := s.Summarize(context.Background(), mkBatch(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "unparseable output must be invalid, not retried")
}

func TestSummarizeRateLimited(t *testing.T) {
	srv := fakeAPI(t, "", http.StatusTooManyRequests)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	_, err := s.Summarize(context.Background(), mkBatch(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestSummarizeBadRequestIsInvalid(t *testing.T) {
	srv := fakeAPI(t, "", http.StatusBadRequest)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	_, err := s.Summarize(context.Background(), mkBatch(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSummarizeServerErrorIsTransient(t *testing.T) {
	srv := fakeAPI(t, "", http.StatusInternalServerError)
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	_, err := s.Summarize(context.Background(), mkBatch(t, "x"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestSummarizeEmptyBatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := newSummarizer(t, srv.URL)
	got, err := s.Summarize(context.Background(), batch.Batch{ID: "empty"})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, calls.Load(), "empty batch must not invoke the API")
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestParseResponseVariants(t *testing.T) {
	text, tags, err := parseResponse(`Sure! Here you go: {"summary": "inline", "tags": ["QA"]} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, "inline", text)
	assert.Equal(t, []string{"QA"}, tags)

	_, _, err = parseResponse(`{"tags": ["no-summary"]}`)
	assert.Error(t, err)
}
