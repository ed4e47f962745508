/*
Package db implements the orchestrator's single-writer store: one Actor
goroutine owns a modernc.org/sqlite connection and every mutation to
workshop items, files, content packages, builds, and publishes is
serialized through its bounded inbox. Callers never see *sql.DB; they
call typed methods on *Actor (UpsertWorkshopItem, SaveBuild, NewPublish,
...) that block for their own reply but never block each other's turn
on the actor goroutine.

Primary keys are allocated by nextPK from a single clock row using
candidate = max(clock.ts+1, now_millis<<4): monotonic even across
restarts and immune to wall-clock rollback.
*/
package db
