// Package middleware gates net/http handlers on a tideflow session.
//
// # Guards
//
//   - [RequireSession] admits any authenticated principal.
//   - [Guard] additionally requires a compiled [permission.Rule].
//
// Both read the current [tideflow.SessionSnapshot], decide with
// [tideflow.EvaluateAccess] and attach the snapshot to the request context
// for [tideflow.SnapshotFromContext].
//
// This package does no I/O of its own. Session state, token handling and
// role resolution stay in the tideflow package.
package middleware
