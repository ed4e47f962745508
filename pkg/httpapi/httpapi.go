// Package httpapi implements HttpFrontend: the public REST surface.
// The POST routes for workshop-item refresh, download, and build charge
// the rate limiter against the caller's IP, and handlers that mutate or
// call an external service run their side effects through the
// background-task shield so a client disconnect can never abort a build
// or download mid-flight.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/config"
	"github.com/forgehost/forgehost/pkg/container"
	"github.com/forgehost/forgehost/pkg/db"
	"github.com/forgehost/forgehost/pkg/downloader"
	"github.com/forgehost/forgehost/pkg/log"
	"github.com/forgehost/forgehost/pkg/marketplace"
	"github.com/forgehost/forgehost/pkg/marketplace/parse"
	"github.com/forgehost/forgehost/pkg/metrics"
	"github.com/forgehost/forgehost/pkg/publishworker"
	"github.com/forgehost/forgehost/pkg/ratelimit"
	"github.com/forgehost/forgehost/pkg/shield"
	"github.com/forgehost/forgehost/pkg/types"
)

// Frontend wires every dependency HttpFrontend's handlers need.
type Frontend struct {
	cfg           config.Config
	db            *db.Actor
	marketplace   *marketplace.Client
	downloader    *downloader.Client
	container     *container.Client
	publishWorker *publishworker.Worker
	limiter       *ratelimit.Limiter
	shield        *shield.Shield
	logger        zerolog.Logger
}

// New builds a Frontend.
func New(cfg config.Config, dbActor *db.Actor, mp *marketplace.Client, dl *downloader.Client, cc *container.Client, pw *publishworker.Worker, limiter *ratelimit.Limiter, sh *shield.Shield) *Frontend {
	return &Frontend{
		cfg: cfg, db: dbActor, marketplace: mp, downloader: dl,
		container: cc, publishWorker: pw, limiter: limiter, shield: sh,
		logger: log.WithComponent("httpapi"),
	}
}

// Router builds the full route table.
func (f *Frontend) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(f.responseHeaders, f.logging)

	r.HandleFunc("/ping/", f.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/workshop-item/", f.rateLimited(f.handleCreateWorkshopItem)).Methods(http.MethodPost)
	r.HandleFunc("/workshop-item/", f.handleListWorkshopItems).Methods(http.MethodGet)
	r.HandleFunc("/workshop-item/{pk:[0-9]+}/", f.handleGetWorkshopItem).Methods(http.MethodGet)
	r.HandleFunc("/workshop-item/{pk:[0-9]+}/download/", f.rateLimited(f.handleDownloadWorkshopItem)).Methods(http.MethodPost)
	r.HandleFunc("/build/", f.rateLimited(f.handleCreateBuild)).Methods(http.MethodPost)
	r.HandleFunc("/build/{pk:[0-9]+}/", f.handleGetBuild).Methods(http.MethodGet)
	r.HandleFunc("/publish/{pk:[0-9]+}/wait/", f.handleWaitPublish).Methods(http.MethodGet)

	admin := r.PathPrefix("/x/").Subrouter()
	admin.Use(f.requireDebugAuth)
	admin.HandleFunc("/workshop-item/{pk:[0-9]+}/file/", f.handleWorkshopItemFile).Methods(http.MethodGet)
	admin.HandleFunc("/build/{pk:[0-9]+}/fragment/", f.handleBuildFragment).Methods(http.MethodGet)
	admin.HandleFunc("/republish/", f.handleRepublish).Methods(http.MethodPost)
	admin.HandleFunc("/rate-limits/", f.handleRateLimits).Methods(http.MethodGet)
	admin.Handle("/metrics/", metrics.Handler()).Methods(http.MethodGet)

	return r
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (f *Frontend) responseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range f.cfg.ResponseHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (f *Frontend) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		route := r.URL.Path
		if tmpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = tmpl
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

		f.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("request")
	})
}

func (f *Frontend) requireDebugAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.cfg.DebugAuthToken == "" || r.Header.Get("Authorization") != "Bearer "+f.cfg.DebugAuthToken {
			writeError(w, apperr.New(apperr.KindNotFound, "not found"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited charges one ticket against the caller's forwarded IP
// before invoking handler.
func (f *Frontend) rateLimited(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f.limiter.Add(clientIP(r), 1); err != nil {
			metrics.RateLimitRejectionsTotal.Inc()
			writeError(w, apperr.Wrap(apperr.KindRateLimited, err, "rate limit exceeded"))
			return
		}
		handler(w, r)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindBadRequest:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindGone:
		status = http.StatusGone
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	case apperr.KindBusy:
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	if status == http.StatusBadRequest {
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if e, ok := apperr.As(err); ok {
		w.Write([]byte(e.Message))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func pathPK(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["pk"]
	pk, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindBadRequest, err, "invalid pk").With("raw", raw)
	}
	return pk, nil
}

func (f *Frontend) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

type createWorkshopItemRequest struct {
	WorkshopID string `json:"workshopid"`
}

func (f *Frontend) handleCreateWorkshopItem(w http.ResponseWriter, r *http.Request) {
	var body createWorkshopItemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.KindBadRequest, err, "decode request body"))
		return
	}
	id, ok := types.ParseWorkshopID(body.WorkshopID)
	if !ok {
		writeError(w, apperr.New(apperr.KindBadRequest, "invalid workshopid"))
		return
	}

	type createResult struct {
		pk         int64
		collection []types.WorkshopID
		redirect   bool
		err        error
	}

	resultCh := shield.Spawn(f.shield, func() createResult {
		ctx := context.Background()
		details, err := f.marketplace.FileDetails(ctx, id)
		if err != nil {
			return createResult{err: err}
		}
		if len(details.Collection) > 0 {
			return createResult{collection: details.Collection}
		}

		version, err := f.marketplace.Changelog(ctx, id)
		if err != nil {
			return createResult{err: err}
		}
		_, pk, err := f.db.UpsertWorkshopItem(id, version, details.Title, details.Authors)
		if err != nil {
			return createResult{err: err}
		}
		return createResult{pk: pk, redirect: true}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		if res.redirect {
			w.Header().Set("Location", "/workshop-item/"+strconv.FormatInt(res.pk, 10)+"/")
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		writeJSON(w, map[string]any{"items": res.collection})
	case <-r.Context().Done():
	}
}

func (f *Frontend) handleListWorkshopItems(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("workshopid")
	id, ok := types.ParseWorkshopID(raw)
	if !ok {
		writeError(w, apperr.New(apperr.KindBadRequest, "invalid workshopid"))
		return
	}
	items, err := f.db.WorkshopItems(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(items) == 0 {
		writeError(w, apperr.New(apperr.KindNotFound, "no items found"))
		return
	}
	writeJSON(w, items)
}

func (f *Frontend) handleGetWorkshopItem(w http.ResponseWriter, r *http.Request) {
	pk, err := pathPK(r)
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := f.db.WorkshopItemByPK(pk)
	if err != nil {
		writeError(w, err)
		return
	}
	if item == nil {
		writeError(w, apperr.New(apperr.KindNotFound, "workshop item not found"))
		return
	}
	writeJSON(w, item)
}

func (f *Frontend) handleDownloadWorkshopItem(w http.ResponseWriter, r *http.Request) {
	pk, err := pathPK(r)
	if err != nil {
		writeError(w, err)
		return
	}

	type handlerResult struct {
		err error
	}
	resultCh := shield.Spawn(f.shield, func() handlerResult {
		ctx := context.Background()
		item, err := f.db.WorkshopItemByPK(pk)
		if err != nil {
			return handlerResult{err}
		}
		if item == nil {
			return handlerResult{apperr.New(apperr.KindNotFound, "workshop item not found")}
		}
		if item.FilePK != nil {
			return handlerResult{nil}
		}

		latest, err := f.marketplace.Changelog(ctx, item.WorkshopID)
		if err != nil {
			return handlerResult{err}
		}
		if latest != item.Version {
			return handlerResult{apperr.New(apperr.KindGone, "item version has changed upstream")}
		}

		file, err := f.downloader.Download(ctx, item.WorkshopID)
		if err != nil {
			return handlerResult{err}
		}

		latestAfter, err := f.marketplace.Changelog(ctx, item.WorkshopID)
		if err != nil {
			return handlerResult{err}
		}
		if latestAfter != item.Version {
			return handlerResult{apperr.New(apperr.KindGone, "item version changed during download")}
		}

		filePK, err := f.db.SaveFile(pk, file.Size, &file.ETag, file.Data)
		if err != nil {
			return handlerResult{err}
		}

		manifest, err := container.ExtractManifest(file.Data)
		if err != nil {
			f.logger.Warn().Err(err).Int64("file_pk", filePK).Msg("content package manifest not extractable")
			return handlerResult{nil}
		}
		pkg, err := parse.ContentPackageManifest(manifest)
		if err != nil {
			f.logger.Warn().Err(err).Int64("file_pk", filePK).Msg("content package manifest not parseable")
			return handlerResult{nil}
		}
		if _, err := f.db.SaveContentPackage(filePK, pkg.Name, pkg.VersionString); err != nil {
			f.logger.Warn().Err(err).Int64("file_pk", filePK).Msg("save_content_package failed")
		}
		return handlerResult{nil}
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		w.Header().Set("Location", "/workshop-item/"+strconv.FormatInt(pk, 10)+"/")
		w.WriteHeader(http.StatusSeeOther)
	case <-r.Context().Done():
	}
}

type createBuildRequest struct {
	Name  string  `json:"name"`
	Items []int64 `json:"items"`
}

func (f *Frontend) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var body createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.KindBadRequest, err, "decode request body"))
		return
	}

	saved, err := f.db.SaveBuild(body.Name, body.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(saved.Missing) > 0 {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"missing": saved.Missing})
		return
	}

	shield.Spawn(f.shield, func() struct{} {
		f.runBuildJob(saved.PK, body.Items)
		return struct{}{}
	})

	w.Header().Set("Location", "/build/"+strconv.FormatInt(saved.PK, 10)+"/")
	w.WriteHeader(http.StatusSeeOther)
}

func (f *Frontend) runBuildJob(buildPK int64, itemPKs []int64) {
	ctx := context.Background()

	files, err := f.db.BuildItemFiles(buildPK)
	if err != nil {
		f.logger.Error().Err(err).Int64("build_pk", buildPK).Msg("build_item_files failed")
		return
	}

	inputs := make([]container.BuildInput, 0, len(files))
	for _, file := range files {
		item, err := f.db.WorkshopItemByPK(file.ItemPK)
		name := ""
		if err == nil && item != nil && item.Content != nil {
			name = item.Content.Name
		}
		inputs = append(inputs, container.BuildInput{ItemPK: file.ItemPK, PackageName: name, Data: file.Data})
	}

	timer := metrics.NewTimer()
	job, err := f.container.RunBuild(ctx, f.cfg.Containers, buildPK, inputs)
	timer.ObserveDurationVec(metrics.ContainerJobDuration, "build")
	if err != nil {
		metrics.ContainerJobsTotal.WithLabelValues("build", "failure").Inc()
		f.logger.Error().Err(err).Int64("build_pk", buildPK).Msg("build container job failed")
		if saveErr := f.db.SaveBuildResultFields(buildPK, -1, err.Error(), nil); saveErr != nil {
			f.logger.Error().Err(saveErr).Int64("build_pk", buildPK).Msg("failed to record build failure")
		}
		return
	}
	metrics.ContainerJobsTotal.WithLabelValues("build", "success").Inc()

	if err := f.db.SaveBuildResultFields(buildPK, job.ExitCode, job.Output, job.Fragment); err != nil {
		f.logger.Error().Err(err).Int64("build_pk", buildPK).Msg("save_build_result failed")
		return
	}

	f.publishWorker.Enqueue(nil)
}

func (f *Frontend) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	pk, err := pathPK(r)
	if err != nil {
		writeError(w, err)
		return
	}
	build, err := f.db.GetBuild(pk)
	if err != nil {
		writeError(w, err)
		return
	}
	if build == nil {
		writeError(w, apperr.New(apperr.KindNotFound, "build not found"))
		return
	}
	writeJSON(w, build)
}

func (f *Frontend) handleWaitPublish(w http.ResponseWriter, r *http.Request) {
	pk, err := pathPK(r)
	if err != nil {
		writeError(w, err)
		return
	}

	interval := time.Duration(f.cfg.WaitOnPublishPollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		publish, err := f.db.GetPublish(pk)
		if err != nil {
			writeError(w, err)
			return
		}
		if publish == nil {
			writeError(w, apperr.New(apperr.KindNotFound, "publish not found"))
			return
		}
		if publish.ExitCode != nil {
			writeJSON(w, map[string]any{"exit_code": *publish.ExitCode, "public_url": publish.PublicURL})
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

func (f *Frontend) handleWorkshopItemFile(w http.ResponseWriter, r *http.Request) {
	pk, err := pathPK(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := f.db.WorkshopItemFile(pk)
	if err != nil {
		writeError(w, err)
		return
	}
	if data == nil {
		writeError(w, apperr.New(apperr.KindNotFound, "no file for workshop item"))
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.Write(data)
}

func (f *Frontend) handleBuildFragment(w http.ResponseWriter, r *http.Request) {
	pk, err := pathPK(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := f.db.BuildFragment(pk)
	if err != nil {
		writeError(w, err)
		return
	}
	if data == nil {
		writeError(w, apperr.New(apperr.KindNotFound, "no fragment for build"))
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	w.Write(data)
}

func (f *Frontend) handleRepublish(w http.ResponseWriter, r *http.Request) {
	reply := make(chan int64, 1)
	if !f.publishWorker.Enqueue(reply) {
		writeError(w, apperr.New(apperr.KindBusy, "publish worker busy"))
		return
	}
	select {
	case pk := <-reply:
		writeJSON(w, pk)
	case <-r.Context().Done():
	}
}

func (f *Frontend) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, f.limiter.Dump())
}
