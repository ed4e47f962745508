package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehost/forgehost/pkg/boundedhttp"
	"github.com/forgehost/forgehost/pkg/config"
	"github.com/forgehost/forgehost/pkg/container"
	"github.com/forgehost/forgehost/pkg/db"
	"github.com/forgehost/forgehost/pkg/downloader"
	"github.com/forgehost/forgehost/pkg/marketplace"
	"github.com/forgehost/forgehost/pkg/publishworker"
	"github.com/forgehost/forgehost/pkg/ratelimit"
	"github.com/forgehost/forgehost/pkg/shield"
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// newTestFrontend wires a Frontend against a real sqlite db.Actor and a
// stub container engine listening on a unix socket, mirroring the engine
// stub used by pkg/publishworker's own tests.
func newTestFrontend(t *testing.T) (*Frontend, *db.Actor) {
	t.Helper()

	dbActor, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(dbActor.Close)

	cc := stubContainerClient(t)
	cfg := config.Default()
	cfg.DebugAuthToken = "secret"

	pw := publishworker.New(dbActor, cc, cfg.Containers, 8)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go pw.Run(context.Background(), stop)

	limiter := ratelimit.New(ratelimit.Options{Capacity: 3, Interval: time.Minute, Length: 4})
	sh := shield.New()

	mp, dl := stubMarketplaceAndDownloader(t)

	f := New(cfg, dbActor, mp, dl, cc, pw, limiter, sh)
	return f, dbActor
}

func stubContainerClient(t *testing.T) *container.Client {
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
		w.Write([]byte("ok"))
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

func stubMarketplaceAndDownloader(t *testing.T) (*marketplace.Client, *downloader.Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sharedfiles/filedetails/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<div class="workshopItemTitle">Vanilla Plus</div>`))
	})
	mux.HandleFunc("/sharedfiles/filedetails/changelog/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<p id="changelog-1700000000">notes</p>`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	httpClient := boundedhttp.New(boundedhttp.Options{Concurrency: 4})
	mp := marketplace.New(httpClient, server.URL+"/")
	dl := downloader.New(httpClient, server.URL+"/")
	return mp, dl
}

func TestPingReturns200(t *testing.T) {
	f, _ := newTestFrontend(t)
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/ping/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetWorkshopItemNotFound(t *testing.T) {
	f, _ := newTestFrontend(t)
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/workshop-item/99999/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateBuildRejectsMissingFiles(t *testing.T) {
	f, dbActor := newTestFrontend(t)
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	_, itemPK, err := dbActor.UpsertWorkshopItem("1", 1, "no file yet", nil)
	require.NoError(t, err)

	body := `{"name":"b1","items":[` + itoa(itemPK) + `]}`
	resp, err := http.Post(server.URL+"/build/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var decoded map[string][]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, []int64{itemPK}, decoded["missing"])
}

func TestCreateBuildHappyPathRedirects(t *testing.T) {
	f, dbActor := newTestFrontend(t)
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }}
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	_, itemPK, err := dbActor.UpsertWorkshopItem("1", 1, "has file", nil)
	require.NoError(t, err)
	_, err = dbActor.SaveFile(itemPK, 1, nil, []byte("x"))
	require.NoError(t, err)

	body := `{"name":"b1","items":[` + itoa(itemPK) + `]}`
	resp, err := client.Post(server.URL+"/build/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Location"))
}

func TestRateLimitRejectsAfterCapacity(t *testing.T) {
	f, dbActor := newTestFrontend(t)
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	_, itemPK, err := dbActor.UpsertWorkshopItem("1", 1, "has file", nil)
	require.NoError(t, err)
	_, err = dbActor.SaveFile(itemPK, 1, nil, []byte("x"))
	require.NoError(t, err)

	var lastStatus int
	for i := 0; i < 4; i++ {
		body := `{"name":"b","items":[` + itoa(itemPK) + `]}`
		resp, err := http.Post(server.URL+"/build/", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, lastStatus)
}

func TestAdminRoutesRequireBearerToken(t *testing.T) {
	f, _ := newTestFrontend(t)
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/x/rate-limits/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/x/rate-limits/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestMetricsRouteRequiresAuthAndServesPrometheusFormat(t *testing.T) {
	f, _ := newTestFrontend(t)
	server := httptest.NewServer(f.Router())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/x/metrics/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/x/metrics/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "forgehost_http_requests_total")
}
