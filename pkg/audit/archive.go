package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/canonicalize"
)

var ErrNothingToArchive = errors.New("no audit entries to archive")

// Archiver writes immutable objects to cold storage.
type Archiver interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Segment describes one exported JSONL segment.
type Segment struct {
	Key       string `json:"key"`
	FirstSeq  uint64 `json:"first_sequence"`
	LastSeq   uint64 `json:"last_sequence"`
	ChainHead string `json:"chain_head"`
	Digest    string `json:"digest"`
	Count     int    `json:"count"`
}

// Export verifies and writes entries [from, from+limit) as one JSONL object
// keyed by its sequence range.
func Export(ctx context.Context, log Log, archiver Archiver, prefix string, from uint64, limit int) (Segment, error) {
	entries, err := log.Entries(ctx, from, limit)
	if err != nil {
		return Segment{}, err
	}
	if len(entries) == 0 {
		return Segment{}, ErrNothingToArchive
	}
	if err := Verify(entries); err != nil {
		return Segment{}, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return Segment{}, err
		}
	}
	first, last := entries[0], entries[len(entries)-1]
	seg := Segment{
		Key:       fmt.Sprintf("%s%020d-%020d.jsonl", prefix, first.Sequence, last.Sequence),
		FirstSeq:  first.Sequence,
		LastSeq:   last.Sequence,
		ChainHead: last.EntryHash,
		Digest:    canonicalize.Digest(buf.Bytes()),
		Count:     len(entries),
	}
	if err := archiver.Put(ctx, seg.Key, buf.Bytes()); err != nil {
		return Segment{}, fmt.Errorf("archive %s: %w", seg.Key, err)
	}
	return seg, nil
}

// DirArchiver writes segments under a local directory (Lite Mode).
type DirArchiver struct {
	Dir string
}

func (a DirArchiver) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(a.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
