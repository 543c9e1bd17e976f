// Package permission evaluates declarative role requirements attached to
// routes.
//
// # Model
//
// A principal carries at most one company-level role and at most one
// system-level role. Role names are registered in a [Registry], which assigns
// each a stable bit. A [Requirement] lists acceptable role names per level and
// a combination mode; [Requirement.Compile] resolves those names into
// [Mask64] sets so that membership is a single bit test.
//
// # Architecture boundaries
//
// This package is pure in-memory data with no I/O. It does not know about
// sessions, tokens or redirects; the root package feeds it the principal's
// role claims and acts on the result.
package permission
