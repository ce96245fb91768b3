// Package backup writes and restores whole-store snapshots. A snapshot is a
// zstd-compressed CBOR document holding every key with its JSON value.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"campuslibrary/internal/kvstore"
	"campuslibrary/internal/sessions"
)

// FormatVersion is bumped whenever Snapshot changes incompatibly.
const FormatVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

type Snapshot struct {
	Version int       `cbor:"version"`
	TakenAt time.Time `cbor:"takenAt"`
	// Entries maps each store key to its JSON text.
	Entries map[string]string `cbor:"entries"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("backup: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("backup: CBOR decoder initialization failed: " + err.Error())
	}
}

// Export snapshots every key in store to w. Login sessions are left out.
func Export(store kvstore.Store, w io.Writer, takenAt time.Time) (*Snapshot, error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Version: FormatVersion, TakenAt: takenAt, Entries: make(map[string]string, len(keys))}
	for _, key := range keys {
		if strings.HasPrefix(key, sessions.KeyPrefix) {
			continue
		}
		raw, found, err := store.Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			snap.Entries[key] = string(raw)
		}
	}

	data, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}

	log.Printf("[INFO] Export: wrote %d key(s)", len(snap.Entries))
	return snap, nil
}

// Import reads a snapshot from r and overwrites each key it holds. Every
// entry is checked before the first write; keys absent from the snapshot
// are left alone.
func Import(store kvstore.Store, r io.Reader) (*Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	for key, value := range snap.Entries {
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("snapshot entry %q is not valid JSON", key)
		}
	}

	for key, value := range snap.Entries {
		if err := store.Put(key, json.RawMessage(value)); err != nil {
			log.Printf("[ERROR] Import: %v", err)
			return nil, err
		}
	}
	log.Printf("[INFO] Import: restored %d key(s) from snapshot taken %s", len(snap.Entries), snap.TakenAt.Format(time.RFC3339))
	return &snap, nil
}
