/*
Package httpapi implements HttpFrontend: the orchestrator's public REST
surface over gorilla/mux. Public routes cover workshop-item refresh,
download, build, and publish-wait; a parallel /x/ tree gated by a bearer
token exposes raw artifact bytes, a manual republish trigger, and the
rate limiter's live state for operators.

Handlers that mutate state or call an external service run their body
through the background-task shield so a client disconnect never aborts
a download or build mid-flight — the handler still replies to whichever
caller is still listening, but the work completes regardless.
*/
package httpapi
