// Package types defines the orchestrator's domain model: workshop items,
// downloaded files, parsed content packages, builds, and publishes. These
// are plain value types; persistence lives in pkg/db and wire encoding is
// handled at the HTTP boundary in pkg/httpapi.
package types
