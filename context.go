package tideflow

import "context"

type snapshotContextKey struct{}

// WithSnapshot attaches the session snapshot a request was authorized with.
func WithSnapshot(ctx context.Context, snap SessionSnapshot) context.Context {
	return context.WithValue(ctx, snapshotContextKey{}, snap)
}

// SnapshotFromContext returns the snapshot stored by WithSnapshot.
func SnapshotFromContext(ctx context.Context) (SessionSnapshot, bool) {
	if ctx == nil {
		return SessionSnapshot{}, false
	}
	snap, ok := ctx.Value(snapshotContextKey{}).(SessionSnapshot)
	return snap, ok
}
