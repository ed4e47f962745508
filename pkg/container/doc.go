/*
Package container drives a Docker-Engine-API-shaped container runtime
over a unix socket: create, upload-archive, attach, start, wait,
get-archive, delete. RunBuild and RunPublish compose those primitives
into the two job protocols the orchestrator needs — a build job that
mounts per-item archives and emits a fragment, and a publish job that
mounts accumulated fragments and a secrets volume.
*/
package container
