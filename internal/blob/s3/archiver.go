package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// multipartThreshold is the encoded size above which archives are uploaded
// in parts.
const multipartThreshold = 8 * 1024 * 1024

// archiveRecord is one JSONL line: an offer stamped with its scrape time.
type archiveRecord struct {
	ScrapedAt time.Time `json:"scraped_at"`
	domain.Offer
}

// SnapshotArchiver implements domain.SnapshotArchiver. Each freshly scraped
// side becomes one object:
//
//	{prefix}/{side}/2025/01/31/20250131T120000Z-<uuid>.jsonl
type SnapshotArchiver struct {
	writer domain.BlobWriter
	prefix string
	now    func() time.Time
}

// NewSnapshotArchiver creates a SnapshotArchiver writing under prefix
// (default "archive/offers").
func NewSnapshotArchiver(writer domain.BlobWriter, prefix string) *SnapshotArchiver {
	if prefix == "" {
		prefix = "archive/offers"
	}
	return &SnapshotArchiver{writer: writer, prefix: prefix, now: time.Now}
}

// ArchiveSnapshot uploads snap as JSONL and returns the object key. Empty
// snapshots are skipped and return an empty key.
func (a *SnapshotArchiver) ArchiveSnapshot(ctx context.Context, snap domain.SideSnapshot) (string, error) {
	if len(snap.Offers) == 0 {
		return "", nil
	}

	at := snap.UpdatedAt
	if at.IsZero() {
		at = a.now()
	}
	at = at.UTC()

	records := make([]archiveRecord, len(snap.Offers))
	for i, o := range snap.Offers {
		records[i] = archiveRecord{ScrapedAt: at, Offer: o}
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", snap.Side, err)
	}

	key := archivePath(a.prefix, snap.Side, at)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", snap.Side, err)
	}
	return key, nil
}

func archivePath(prefix string, side domain.Side, at time.Time) string {
	name := fmt.Sprintf("%s-%s.jsonl", at.Format("20060102T150405Z"), uuid.NewString())
	return path.Join(prefix, string(side), at.Format("2006/01/02"), name)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.SnapshotArchiver = (*SnapshotArchiver)(nil)
