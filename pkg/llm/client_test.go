package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	auth string
}

func fakeServer(t *testing.T, failModels map[string]bool) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recordedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		req.auth = r.Header.Get("Authorization")

		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if failModels[req.Model] {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		w.Write([]byte(`{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "` + req.Model + `",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "hello Sam"}}]
		}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), seen...)
	}
}

func TestClient_Complete(t *testing.T) {
	srv, requests := fakeServer(t, nil)
	c := NewClient("key-a", Settings{BaseURL: srv.URL, Models: []string{"m1"}}, nil)

	reply, err := c.Complete(context.Background(), []Message{
		{Role: "system", Content: "[User info: sam_dev(Sam), male]"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello Sam", reply)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "m1", reqs[0].Model)
	assert.Equal(t, "Bearer key-a", reqs[0].auth)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, "system", reqs[0].Messages[0].Role)
	assert.Equal(t, "[User info: sam_dev(Sam), male]", reqs[0].Messages[0].Content)
}

func TestClient_FallsBackThroughModels(t *testing.T) {
	srv, requests := fakeServer(t, map[string]bool{"big": true})
	c := NewClient("key-a", Settings{BaseURL: srv.URL, Models: []string{"big", "small"}}, nil)

	reply, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello Sam", reply)

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "big", reqs[0].Model)
	assert.Equal(t, "small", reqs[1].Model)
}

func TestClient_AllModelsFail(t *testing.T) {
	srv, _ := fakeServer(t, map[string]bool{"a": true, "b": true})
	c := NewClient("key-a", Settings{BaseURL: srv.URL, Models: []string{"a", "b"}}, nil)

	_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all models failed")
}

func TestClient_NoKeys(t *testing.T) {
	c := NewClient(" , ", Settings{Models: []string{"m"}}, nil)
	_, err := c.Complete(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoKeys))
}

func TestClient_PrefersHealthyKey(t *testing.T) {
	c := NewClient("a, b", Settings{}, nil)
	require.Len(t, c.keys, 2)

	first := c.bestKey()
	assert.Equal(t, "a", first.key)

	c.recordResult(first, errors.New("429"))
	assert.Equal(t, "b", c.bestKey().key)

	c.recordResult(first, nil)
	assert.Equal(t, "a", c.bestKey().key)
}
