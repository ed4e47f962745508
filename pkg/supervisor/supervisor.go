// Package supervisor implements Supervisor: the process entry point.
// It owns the HTTP server, the PublishWorker loop, and a liaison that
// watches for the DbActor goroutine exiting unexpectedly, and drives a
// multi-stage graceful shutdown off OS signals.
package supervisor

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgehost/forgehost/pkg/db"
	"github.com/forgehost/forgehost/pkg/log"
	"github.com/forgehost/forgehost/pkg/publishworker"
	"github.com/forgehost/forgehost/pkg/shield"
)

// QuitLevel names the stages of the shutdown escalation. Polite is
// emitted as shutdown begins, while the HTTP server stops accepting
// requests and in-flight work drains. Unpolite is emitted once the polite
// timeout has passed; it is only logged, and nothing still running is
// cancelled. Kill is emitted after the unpolite timeout; Run then returns
// exit code 1 without waiting for the drain to finish.
type QuitLevel int

const (
	Polite QuitLevel = iota
	Unpolite
	Kill
)

func (q QuitLevel) String() string {
	switch q {
	case Polite:
		return "polite"
	case Unpolite:
		return "unpolite"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// Escalation times the Polite→Unpolite→Kill sequence once shutdown
// begins.
type Escalation struct {
	PoliteTimeout   time.Duration
	UnpoliteTimeout time.Duration
}

// DefaultEscalation bounds total shutdown time to 30s: 20s for in-flight
// builds/publishes to finish cleanly, 10s more before giving up on
// draining the background-task shield.
func DefaultEscalation() Escalation {
	return Escalation{PoliteTimeout: 20 * time.Second, UnpoliteTimeout: 10 * time.Second}
}

// levels emits Polite immediately, then Unpolite and Kill at the
// configured delays. The channel is closed after Kill; a shutdown that
// completes earlier simply stops reading from it.
func (e Escalation) levels() <-chan QuitLevel {
	ch := make(chan QuitLevel, 3)
	go func() {
		defer close(ch)
		ch <- Polite
		time.Sleep(e.PoliteTimeout)
		ch <- Unpolite
		time.Sleep(e.UnpoliteTimeout)
		ch <- Kill
	}()
	return ch
}

// Supervisor owns the long-lived tasks and the shutdown sequence.
type Supervisor struct {
	httpServer    *http.Server
	publishWorker *publishworker.Worker
	dbActor       *db.Actor
	shield        *shield.Shield
	escalation    Escalation
	logger        zerolog.Logger
}

// New builds a Supervisor. httpServer must not have ListenAndServe
// called on it yet — Run drives its whole lifecycle.
func New(httpServer *http.Server, pw *publishworker.Worker, dbActor *db.Actor, sh *shield.Shield, escalation Escalation) *Supervisor {
	return &Supervisor{
		httpServer:    httpServer,
		publishWorker: pw,
		dbActor:       dbActor,
		shield:        sh,
		escalation:    escalation,
		logger:        log.WithComponent("supervisor"),
	}
}

// Run blocks until shutdown completes (clean or forced) and returns the
// process exit code: 0 for a clean shutdown, 1 if the DbActor exited
// unexpectedly or the escalation timer reached Kill.
func (s *Supervisor) Run() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	httpErrCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	publishStop := make(chan struct{})
	publishDone := make(chan struct{})
	go func() {
		s.publishWorker.Run(context.Background(), publishStop)
		close(publishDone)
	}()

	select {
	case <-sigCh:
		s.logger.Info().Msg("received shutdown signal")
	case err := <-httpErrCh:
		s.logger.Error().Err(err).Msg("http server exited unexpectedly")
	case <-s.dbActor.Done():
		s.logger.Error().Msg("db actor exited unexpectedly")
		return 1
	}

	return s.shutdown(publishStop, publishDone)
}

// shutdown drives the Polite → Unpolite → Kill escalation. Further
// signals received during shutdown are ignored, matching the
// once-triggered semantics of the broadcast: there is nothing left to
// escalate beyond what the timer already does.
func (s *Supervisor) shutdown(publishStop chan struct{}, publishDone <-chan struct{}) int {
	levels := s.escalation.levels()
	drained := make(chan struct{})

	go func() {
		defer close(drained)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.escalation.PoliteTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
		}

		close(publishStop)
		<-publishDone

		s.shield.Wait(nil)

		s.dbActor.Close()
	}()

	for {
		select {
		case level, ok := <-levels:
			if !ok {
				continue
			}
			s.logger.Info().Str("level", level.String()).Msg("shutdown escalation")
			if level == Kill {
				s.logger.Error().Msg("shutdown deadline exceeded, forcing exit")
				return 1
			}
		case <-drained:
			s.logger.Info().Msg("shutdown complete")
			return 0
		}
	}
}
