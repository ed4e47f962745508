// Package db implements the single-writer actor that owns the embedded
// relational store. All mutations to workshop items, files, content
// packages, builds, and publishes flow through the Actor's inbox and are
// serialized FIFO on one dedicated goroutine; nothing else ever touches
// the *sql.DB directly.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/log"
	"github.com/forgehost/forgehost/pkg/metrics"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// inboxCapacity is the bounded inbox size. Small on purpose: once it's
// full, send reports Busy immediately rather than queuing unbounded work
// behind a saturated writer.
const inboxCapacity = 3

// request is one message in the actor's inbox: a thunk closed over its
// own reply channel, dispatched against the open *sql.DB on the actor's
// goroutine.
type request struct {
	run func(db *sql.DB) error
}

// Actor owns the database connection. Send it requests to read or
// mutate; it replies on the result channel that each request's closure
// captured (see call in ops.go).
type Actor struct {
	inbox  chan request
	done   chan struct{}
	logger zerolog.Logger
}

// Open opens (and if necessary creates) the sqlite-backed store at path,
// applies the fixed pragma set, detects a missing schema by probing for
// the clock table, and applies the full schema as one batch if absent.
// It then starts the actor's dispatch goroutine.
func Open(path string) (*Actor, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDb, err, "opening database").With("path", path)
	}
	// The actor is the only goroutine that ever touches this handle;
	// one connection keeps sqlite's own locking out of the picture.
	sqlDB.SetMaxOpenConns(1)

	logger := log.WithComponent("db")

	for _, p := range pragmas {
		was := queryPragmaValue(sqlDB, p)
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, apperr.Wrap(apperr.KindDb, err, "applying pragma").With("pragma", p)
		}
		now := queryPragmaValue(sqlDB, p)
		logger.Info().Str("pragma", p).Str("was", was).Str("update", pragmaTargetValue(p)).Str("now", now).Msg("pragma applied")
	}

	hasSchema, err := probeSchema(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, apperr.Wrap(apperr.KindDb, err, "probing schema")
	}
	if !hasSchema {
		if _, err := sqlDB.Exec(schema); err != nil {
			sqlDB.Close()
			return nil, apperr.Wrap(apperr.KindDb, err, "applying schema")
		}
		logger.Info().Msg("schema applied to fresh database")
	}

	a := &Actor{
		inbox:  make(chan request, inboxCapacity),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run(sqlDB)
	return a, nil
}

func queryPragmaValue(sqlDB *sql.DB, pragma string) string {
	name := pragma
	for i := len("PRAGMA "); i < len(pragma); i++ {
		if pragma[i] == '=' {
			name = pragma[len("PRAGMA "):i]
			break
		}
	}
	var v string
	_ = sqlDB.QueryRow(fmt.Sprintf("PRAGMA %s", trimSpace(name))).Scan(&v)
	return v
}

// pragmaTargetValue returns the requested value from a "PRAGMA name = value"
// statement, i.e. what the pragma is being set to, as distinct from what it
// read as beforehand (was) or reads as afterward (now) — sqlite silently
// declines some requested values (e.g. an unsupported journal_mode), so the
// three can disagree.
func pragmaTargetValue(pragma string) string {
	i := strings.IndexByte(pragma, '=')
	if i < 0 {
		return ""
	}
	return trimSpace(pragma[i+1:])
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && s[start] == ' ' {
		start++
	}
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}

func probeSchema(sqlDB *sql.DB) (bool, error) {
	var name string
	err := sqlDB.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'clock'`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// run is the actor's dispatch loop: while recv(): dispatch(msg). It
// never awaits anything — every handler is a synchronous transaction
// against sqlDB. A panic here is fatal to the process; Supervisor treats
// this goroutine's exit as a terminal condition.
func (a *Actor) run(sqlDB *sql.DB) {
	defer close(a.done)
	defer sqlDB.Close()

	for req := range a.inbox {
		if err := req.run(sqlDB); err != nil {
			a.logger.Error().Err(err).Msg("db request failed")
		}
		metrics.DbActorInboxDepth.Set(float64(len(a.inbox)))
	}
}

// Close stops accepting new requests and waits for the goroutine to
// drain its inbox and close the database.
func (a *Actor) Close() {
	close(a.inbox)
	<-a.done
}

// Done is closed when the actor's goroutine exits after Close —
// Supervisor selects on it to detect a dead actor. A panic in a handler
// is not recovered and ends the process instead.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// send enqueues run against the actor's inbox, non-blocking: if the
// inbox is full it returns apperr.KindBusy immediately rather than
// queuing unbounded work.
func (a *Actor) send(run func(*sql.DB) error) error {
	select {
	case a.inbox <- request{run: run}:
		metrics.DbActorInboxDepth.Set(float64(len(a.inbox)))
		return nil
	default:
		metrics.DbActorBusyTotal.Inc()
		return apperr.New(apperr.KindBusy, "db actor inbox full")
	}
}

// nextPK allocates a new monotonic primary key within tx, per §4.1:
// candidate = max(clock.ts + 1, now_millis << 4); write it back and
// return it. The 4-bit shift reserves headroom for collision-breaking
// without ever producing a pk that collides with one issued at an
// earlier, possibly clock-skewed, moment.
func nextPK(tx *sql.Tx) (int64, error) {
	var ts int64
	if err := tx.QueryRow(`SELECT ts FROM clock WHERE id = 0`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("reading clock: %w", err)
	}

	nowShifted := time.Now().UnixMilli() << 4
	candidate := ts + 1
	if nowShifted > candidate {
		candidate = nowShifted
	}

	if _, err := tx.Exec(`UPDATE clock SET ts = ? WHERE id = 0`, candidate); err != nil {
		return 0, fmt.Errorf("updating clock: %w", err)
	}
	return candidate, nil
}
