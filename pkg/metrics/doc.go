/*
Package metrics defines and registers the orchestrator's Prometheus
metrics: HTTP request counts and latency by route, rate-limit
rejections, DbActor inbox depth and busy-rejections, container job
duration and outcome by kind (build, publish), and background-task
shield occupancy. Handler exposes them for GET /x/metrics/.

Timer is a small helper for recording a histogram observation from a
deferred call site:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ContainerJobDuration, "build")
*/
package metrics
