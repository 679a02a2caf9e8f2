package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachAdapter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/adapters", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "adapter-t1", body["adapter_id"])
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	require.NoError(t, client.AttachAdapter(context.Background(), "adapter-t1"))
}

func TestAttachAdapter_RespectsContextDeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewClient(srv.URL)
	err := client.AttachAdapter(ctx, "adapter-slow")
	require.Error(t, err)
}

func TestDetachAdapter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/adapters/adapter-t1", r.URL.Path)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	require.NoError(t, client.DetachAdapter(context.Background(), "adapter-t1"))
}

func TestInfer_AttachesTenantHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/infer", r.URL.Path)
		assert.Equal(t, "tenant-1", r.Header.Get(TenantHeader))

		var req InferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is our refund policy", req.Prompt)
		assert.Equal(t, "tenant-1", req.TenantID)

		json.NewEncoder(w).Encode(InferResponse{Text: "30 days", InputTokens: 12, OutputTokens: 3})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	resp, err := client.Infer(context.Background(), InferRequest{
		TenantID: "tenant-1",
		Prompt:   "what is our refund policy",
	})
	require.NoError(t, err)
	assert.Equal(t, "30 days", resp.Text)
	assert.Equal(t, int64(3), resp.OutputTokens)
}

func TestInfer_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`overloaded`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Infer(context.Background(), InferRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
