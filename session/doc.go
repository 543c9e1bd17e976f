// Package session persists the client's device-local session state: the
// bearer token, the cached principal record and the active conversation id.
//
// # Storage
//
// State lives behind a small [Backend] key/value interface. Three backends
// ship with the package: [MemoryBackend] for tests and ephemeral processes,
// [FileBackend] for a per-user state directory, and [RedisBackend] for
// surfaces that share state across processes. All keys are namespaced by the
// [Store] prefix.
//
// # Encoding
//
// Principal records are written as a one-byte format version followed by a
// deterministic CBOR map. Untagged JSON records written by earlier clients are
// still readable and are rewritten in the tagged format on first read.
//
// # Architecture boundaries
//
// This package owns persistence only. It does not decode tokens, call the
// network or decide whether a session is valid; the root package does.
package session
