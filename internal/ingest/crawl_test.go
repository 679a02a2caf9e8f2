package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_LocalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("local content"), 0o644))

	f := NewFetcher(time.Second, 0)
	data, err := f.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "local content", string(data))
}

func TestFetch_LocalFileMissing(t *testing.T) {
	t.Parallel()

	f := NewFetcher(time.Second, 0)
	_, err := f.Fetch(context.Background(), filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}

func TestFetch_HTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 0)
	data, err := f.Fetch(context.Background(), srv.URL+"/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 0)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetch_HTTPRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 0)
	data, err := f.Fetch(context.Background(), srv.URL+"/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(data))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetch_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	// One request per hundred seconds with burst 1: the second wait cannot
	// be satisfied before the context deadline.
	f := NewFetcher(time.Second, 0.01)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, srv.URL)
	assert.Error(t, err)
}
