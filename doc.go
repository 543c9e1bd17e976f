// Package tideflow is the client SDK for the Tide Flow auth and AI services.
//
// A [Builder] assembles a [Client] that owns four collaborators:
//
//   - [SessionStore]: who is logged in, persisted across restarts through a
//     session.Backend (memory, file or Redis).
//   - [RoleGate] and [EvaluateAccess]: company and system role checks for a
//     route, with a one-shot redirect.
//   - gateway.Client: authenticated HTTP with normalized results and errors.
//   - [Conversation]: the chat view-model with optimistic send and rollback.
//
// [Analytics] reads the company dashboards and polls report generation with a
// bounded schedule.
//
// Nothing here keeps package-level state. Surfaces receive the collaborators
// they need from the Client, so each can be replaced in tests.
package tideflow
