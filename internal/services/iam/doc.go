// Package iam decides, for every inbound request, whether the user asserted
// by the upstream proxy may use the application and with which privileges.
//
// Architecture:
//
//   - Gate: the per-request state machine (header check, local user,
//     directory resolution, privilege synchronization, decision)
//   - ResolutionCache: per-username LRU of successful resolutions with
//     singleflight collapsing of concurrent lookups
//   - Reconciler: maps the canonical username onto a local user row
//   - Applicator: writes flags, profile and groups with last-start-wins ordering
//   - Service: facade used by the HTTP layer and the CLI
//
// Request Flow:
//
//	Request → HeaderValidator → Reconciler → ResolutionCache ─miss→ directory.Client
//	       ↓
//	   Applicator (users row) → Principal → request context
//
// Only a definitive directory answer (not authorized, user not found,
// ambiguous entry) revokes local privileges. Connectivity failures deny the
// request without touching the stored user, unless degraded mode serves a
// recent cached resolution.
package iam
