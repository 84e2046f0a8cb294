// Package store provides the Persistence Adapter: a durable,
// write-behind snapshot store for Session state, keyed by stable
// user id.
package store

import "context"

// SnapshotStore is the narrow contract the Session Registry depends
// on. Save is idempotent; Load returns (nil, nil) when no snapshot
// exists for the user; Delete removes any stored snapshot. No
// transactions are required — last-writer-wins per user, and every
// write is a full replacement; no partial writes.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, userID string, blob []byte) error
	LoadSnapshot(ctx context.Context, userID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, userID string) error
	Close() error
}
