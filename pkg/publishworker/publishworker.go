// Package publishworker implements PublishWorker: it consumes publish
// requests, groups whatever builds are ready at that instant, and
// drives one publish-job container end to end.
package publishworker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/forgehost/forgehost/pkg/config"
	"github.com/forgehost/forgehost/pkg/container"
	"github.com/forgehost/forgehost/pkg/db"
	"github.com/forgehost/forgehost/pkg/log"
	"github.com/forgehost/forgehost/pkg/metrics"
)

// Request is one publish request. Reply receives the finalized
// publish's pk once the job completes (or the worker shuts down
// without running it, in which case Reply is never sent on).
type Request struct {
	Reply chan<- int64
}

// Worker owns the publish inbox.
type Worker struct {
	inbox     chan Request
	db        *db.Actor
	container *container.Client
	cfg       config.Containers
	logger    zerolog.Logger
}

// New builds a Worker. inboxCapacity should be generous — publish
// requests are cheap signals to coalesce, not units of work.
func New(dbActor *db.Actor, containerClient *container.Client, cfg config.Containers, inboxCapacity int) *Worker {
	return &Worker{
		inbox:     make(chan Request, inboxCapacity),
		db:        dbActor,
		container: containerClient,
		cfg:       cfg,
		logger:    log.WithComponent("publishworker"),
	}
}

// Enqueue submits a publish request without blocking for its result.
func (w *Worker) Enqueue(reply chan<- int64) bool {
	select {
	case w.inbox <- Request{Reply: reply}:
		return true
	default:
		return false
	}
}

// Run drains the inbox until stop is closed: block for one request,
// then non-blockingly coalesce any others that arrived meanwhile, then
// run exactly one publish cycle and reply to every coalesced request.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	for {
		var first Request
		select {
		case first = <-w.inbox:
		case <-stop:
			return
		}

		batch := []Request{first}
	drain:
		for {
			select {
			case r := <-w.inbox:
				batch = append(batch, r)
			default:
				break drain
			}
		}

		pk := w.runOnce(ctx)
		for _, r := range batch {
			if r.Reply != nil {
				r.Reply <- pk
			}
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) int64 {
	result, err := w.db.NewPublish()
	if err != nil {
		w.logger.Error().Err(err).Msg("new_publish failed")
		return 0
	}

	fragments := make(map[int64][]byte, len(result.Fragments))
	for _, f := range result.Fragments {
		fragments[f.BuildPK] = f.Fragment
	}

	timer := metrics.NewTimer()
	job, err := w.container.RunPublish(ctx, w.cfg, result.PK, fragments)
	timer.ObserveDurationVec(metrics.ContainerJobDuration, "publish")
	if err != nil {
		metrics.ContainerJobsTotal.WithLabelValues("publish", "failure").Inc()
		w.logger.Error().Err(err).Int64("publish_pk", result.PK).Msg("publish container job failed")
		if saveErr := w.db.SavePublishResult(result.PK, -1, err.Error(), ""); saveErr != nil {
			w.logger.Error().Err(saveErr).Int64("publish_pk", result.PK).Msg("failed to record publish failure")
		}
		return result.PK
	}
	metrics.ContainerJobsTotal.WithLabelValues("publish", "success").Inc()

	publicURL := w.cfg.DeploySiteName
	if err := w.db.SavePublishResult(result.PK, job.ExitCode, job.Output, publicURL); err != nil {
		w.logger.Error().Err(err).Int64("publish_pk", result.PK).Msg("save_publish_result failed")
	}
	return result.PK
}
