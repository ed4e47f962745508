package container

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehost/forgehost/pkg/boundedhttp"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "engine.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	http := boundedhttp.New(boundedhttp.Options{Concurrency: 2, UnixSocket: socketPath})
	return New(http)
}

func TestCreateExpects201(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"Id": "abc123"})
	})
	c := newTestClient(t, mux)

	id, err := c.Create(context.Background(), Spec{Image: "forgehost/builder:latest"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestCreateUnexpectedStatusSurfacesContainerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("engine blew up"))
	})
	c := newTestClient(t, mux)

	_, err := c.Create(context.Background(), Spec{Image: "forgehost/builder:latest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected container engine status")
}

func TestStartExpects204(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/abc/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Start(context.Background(), "abc"))
}

func TestWaitParsesExitCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/abc/wait", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int64{"StatusCode": 7})
	})
	c := newTestClient(t, mux)

	code, err := c.Wait(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(7), code)
}

func TestWaitReturnsNegativeOneOnUnparseableBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/abc/wait", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("not json"))
	})
	c := newTestClient(t, mux)

	code, err := c.Wait(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), code)
}

func TestDeleteExpects200(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/abc", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("force"))
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Delete(context.Background(), "abc"))
}
