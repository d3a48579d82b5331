package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// SnapshotArchiver keeps a cold copy of freshly scraped snapshots.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, snap SideSnapshot) (path string, err error)
}
