package reasoning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/config"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(config.ReasoningConfig{
		Endpoint:  endpoint,
		APIKey:    "test-key",
		Model:     "test-model",
		Timeout:   2 * time.Second,
		RateLimit: 100,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func candidateResponse(text string) string {
	payload := map[string]interface{}{
		"candidates": []map[string]interface{}{
			{"content": map[string]interface{}{
				"parts": []map[string]string{{"text": text}},
			}},
		},
	}
	out, _ := json.MarshalToString(payload)
	return out
}

func TestClient_InvokeParsesStructuredResult(t *testing.T) {
	resultJSON := `{"summary":"team of three","assignments":[{"participant_id":"p1","role":"lead","responsibility":"coordination"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		w.Write([]byte(candidateResponse(resultJSON)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Invoke(context.Background(), "proposal-aggregation", schemas.ReasoningRequest{
		Demand: &schemas.Demand{ID: "d1", Title: "build a search index"},
	})
	require.NoError(t, err)
	assert.Equal(t, "team of three", res.Summary)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, "p1", res.Assignments[0].ParticipantID)
	assert.NotEmpty(t, res.Raw)
}

func TestClient_InvokeToleratesCodeFences(t *testing.T) {
	fenced := "```json\n{\"summary\":\"ok\",\"assignments\":[]}\n```"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateResponse(fenced)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Invoke(context.Background(), "proposal-aggregation", schemas.ReasoningRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Summary)
}

func TestClient_InvokeRetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(candidateResponse(`{"summary":"recovered"}`)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Invoke(context.Background(), "proposal-aggregation", schemas.ReasoningRequest{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Summary)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_InvokeDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), "proposal-aggregation", schemas.ReasoningRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_InvokeRejectsMissingSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateResponse(`{"assignments":[]}`)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Invoke(context.Background(), "proposal-aggregation", schemas.ReasoningRequest{})
	assert.Error(t, err)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(config.ReasoningConfig{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestUnavailable_AlwaysFails(t *testing.T) {
	_, err := Unavailable{}.Invoke(context.Background(), "any", schemas.ReasoningRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
