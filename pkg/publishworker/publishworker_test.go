package publishworker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehost/forgehost/pkg/boundedhttp"
	"github.com/forgehost/forgehost/pkg/config"
	"github.com/forgehost/forgehost/pkg/container"
	"github.com/forgehost/forgehost/pkg/db"
)

func stubEngine(t *testing.T) *container.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/containers/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"Id": "c1"})
	})
	mux.HandleFunc("/containers/c1/archive", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/containers/c1/attach", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("deploy ok"))
	})
	mux.HandleFunc("/containers/c1/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/containers/c1/wait", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int64{"StatusCode": 0})
	})
	mux.HandleFunc("/containers/c1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	socketPath := filepath.Join(t.TempDir(), "engine.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	httpClient := boundedhttp.New(boundedhttp.Options{Concurrency: 2, UnixSocket: socketPath})
	return container.New(httpClient)
}

// zstdTar builds a one-file tar archive and zstd-encodes it, the format
// build fragments are stored in.
func zstdTar(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(buf.Bytes(), nil)
}

func TestRunOnceCoalescesConcurrentRequests(t *testing.T) {
	dbActor, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(dbActor.Close)

	_, itemPK, err := dbActor.UpsertWorkshopItem("1", 1, "a", nil)
	require.NoError(t, err)
	_, err = dbActor.SaveFile(itemPK, 1, nil, []byte("x"))
	require.NoError(t, err)
	built, err := dbActor.SaveBuild("b", []int64{itemPK})
	require.NoError(t, err)
	require.NoError(t, dbActor.SaveBuildResultFields(built.PK, 0, "ok", zstdTar(t, "fragment.bin", []byte("fragment"))))

	worker := New(dbActor, stubEngine(t), config.Containers{DeploySiteName: "my-site"}, 8)

	reply1 := make(chan int64, 1)
	reply2 := make(chan int64, 1)
	require.True(t, worker.Enqueue(reply1))
	require.True(t, worker.Enqueue(reply2))

	// Both requests are queued before the worker starts, so its first
	// cycle drains them together.
	stop := make(chan struct{})
	defer close(stop)
	go worker.Run(context.Background(), stop)

	var pk1, pk2 int64
	select {
	case pk1 = <-reply1:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first reply")
	}
	select {
	case pk2 = <-reply2:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second reply")
	}
	assert.Equal(t, pk1, pk2, "coalesced requests must reply with the same publish pk")

	publish, err := dbActor.GetPublish(pk1)
	require.NoError(t, err)
	require.NotNil(t, publish)
	require.NotNil(t, publish.ExitCode)
	assert.Equal(t, int64(0), *publish.ExitCode)
}
