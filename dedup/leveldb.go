package dedup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	fpKeyPrefix       = "fp:"
	observedKeyPrefix = "observed:"
)

// LevelDBPersistence stores fingerprints under two keyspaces: one keyed by
// fingerprint for point lookups, one keyed by observation time so Recent and
// Prune can scan a contiguous range.
type LevelDBPersistence struct {
	db *leveldb.DB
}

func NewLevelDBPersistence(path string) (*LevelDBPersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb fingerprint path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb fingerprint path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb fingerprint store: %w", err)
	}
	return &LevelDBPersistence{db: db}, nil
}

func (p *LevelDBPersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Record stores a fingerprint observation. Re-recording an existing
// fingerprint is a no-op.
func (p *LevelDBPersistence) Record(ctx context.Context, fp common.Hash, observedAt time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	fpKey := []byte(fpKeyPrefix + fp.Hex())
	_, err := p.db.Get(fpKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load fingerprint: %w", err)
	default:
		return nil
	}

	nanos := observedAt.UTC().UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(fpKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, fp.Hex())), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}
	return nil
}

// Recent returns fingerprints observed at or after cutoff.
func (p *LevelDBPersistence) Recent(ctx context.Context, cutoff time.Time) ([]common.Hash, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	fps := make([]common.Hash, 0)
	for ok := iter.Seek(cutoffKey); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		hex, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		fps = append(fps, common.HexToHash(hex))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan fingerprints: %w", err)
	}
	return fps, nil
}

// Prune removes fingerprints observed before cutoff.
func (p *LevelDBPersistence) Prune(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for ok := iter.First(); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		key := append([]byte(nil), iter.Key()...)
		if string(key) >= string(cutoffKey) {
			break
		}
		hex, _, parsed := parseObservedKey(key)
		if parsed {
			batch.Delete([]byte(fpKeyPrefix + hex))
		}
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan fingerprints: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune fingerprints: %w", err)
	}
	return nil
}

func observedKey(nanos int64, hex string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, hex)
}

func parseObservedKey(key []byte) (hex string, nanos int64, ok bool) {
	rest, found := strings.CutPrefix(string(key), observedKeyPrefix)
	if !found {
		return "", 0, false
	}
	tsPart, hexPart, found := strings.Cut(rest, ":")
	if !found || hexPart == "" {
		return "", 0, false
	}
	parsed, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return hexPart, parsed, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
