package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

type fakeWriter struct {
	path        string
	data        []byte
	contentType string
	multipart   bool
	err         error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.path, f.contentType = path, contentType
	f.data, _ = io.ReadAll(data)
	return nil
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	f.multipart = true
	return f.Put(context.Background(), path, data, contentTypeJSONL)
}

func TestArchiveSnapshot(t *testing.T) {
	w := &fakeWriter{}
	a := NewSnapshotArchiver(w, "")
	at := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)

	key, err := a.ArchiveSnapshot(context.Background(), domain.SideSnapshot{
		Side:      domain.SideSell,
		UpdatedAt: at,
		Offers: []domain.Offer{
			{ID: "1", Side: domain.SideSell, Price: decimal.RequireFromString("95.1")},
			{ID: "2", Side: domain.SideSell, Price: decimal.RequireFromString("95.2")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, key, w.path)
	assert.True(t, strings.HasPrefix(key, "archive/offers/sell/2025/01/31/20250131T120000Z-"), key)
	assert.True(t, strings.HasSuffix(key, ".jsonl"))
	assert.Equal(t, contentTypeJSONL, w.contentType)
	assert.False(t, w.multipart)

	var lines []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(w.data))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "1", lines[0]["id"])
	assert.Equal(t, "95.1", lines[0]["price"])
	assert.Equal(t, "2025-01-31T12:00:00Z", lines[1]["scraped_at"])
}

func TestArchiveSnapshot_EmptySkipped(t *testing.T) {
	w := &fakeWriter{}
	key, err := NewSnapshotArchiver(w, "x").ArchiveSnapshot(context.Background(), domain.SideSnapshot{Side: domain.SideBuy})

	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, w.path)
}

func TestArchiveSnapshot_UploadError(t *testing.T) {
	w := &fakeWriter{err: errors.New("boom")}
	_, err := NewSnapshotArchiver(w, "").ArchiveSnapshot(context.Background(), domain.SideSnapshot{
		Side:   domain.SideBuy,
		Offers: []domain.Offer{{ID: "1", Side: domain.SideBuy}},
	})
	assert.ErrorContains(t, err, "boom")
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
