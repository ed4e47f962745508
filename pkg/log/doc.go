/*
Package log provides the process-wide structured logger.

It wraps zerolog with a single global Logger initialized once via Init,
plus a handful of WithXxx helpers that attach a build/publish/item pk to
a child logger so call sites don't repeat themselves. Every long-lived
component (DbActor, PublishWorker, HttpFrontend, Supervisor) derives its
own child of the global Logger via WithComponent when it is constructed
and keeps that value; no constructor accepts a logger.
*/
package log
