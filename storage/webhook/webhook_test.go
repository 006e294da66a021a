package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

func testSummary(key string) event.Summary {
	return event.Summary{Key: key, Text: "text", CreatedAt: time.Now().UTC()}
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{URL: "http://x", Timeout: 999}).Validate())
	require.NoError(t, (&Config{URL: "http://localhost:9999/hook"}).Validate())
}

func TestPersistSendsIdempotencyKey(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("Idempotency-Key"))

		var sum event.Summary
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sum))
		assert.Equal(t, "k-77", sum.Key)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	st, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	require.NoError(t, st.Persist(context.Background(), testSummary("k-77")))
	assert.Equal(t, "k-77", gotKey.Load())
}

func TestPersistTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	st, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	assert.NoError(t, st.Persist(context.Background(), testSummary("dup")))
}

func TestPersistServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	err = st.Persist(context.Background(), testSummary("k"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestPersistRejectionIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	st, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	err = st.Persist(context.Background(), testSummary("k"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPersistConnectionRefusedIsTransient(t *testing.T) {
	st, err := New(Config{URL: "http://127.0.0.1:1/hook", Timeout: 1}, nil)
	require.NoError(t, err)

	err = st.Persist(context.Background(), testSummary("k"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
