// Package statefile persists the migration controller's decision (the
// active target index and the per-target/standalone last-active
// timestamps) to a small fixed-layout binary file, using a
// write-temp/fsync/rename sequence so a crash can never leave behind a
// file that parses but holds a torn write.
package statefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// magicCookie and formatVersion identify the file so a reader can
// distinguish "not our file" from "our file, but from an incompatible
// future version" before trusting any of its contents.
const (
	magicCookie  uint32 = 0xE2BD1A96
	formatVersion uint32 = 1

	headerSize   = 4 + 4 + 4 + 4 + 8 // cookie, version, count, activeIndex, standaloneLastActive
	perTargetSize = 8
)

// ErrCorrupt is returned when the file exists but its cookie or
// version does not match; callers should treat this as fatal at
// startup rather than silently discard the file.
var ErrCorrupt = errors.New("statefile: corrupt or incompatible file")

// ErrCountMismatch is returned when the file's target count disagrees
// with the caller's configured count. Callers should treat this as a
// soft warning and fall back to defaults rather than propagate it.
var ErrCountMismatch = errors.New("statefile: target count mismatch")

// Record is the decoded contents of a state file.
type Record struct {
	ActiveIndex             int32
	StandaloneLastActiveMs  int64 // 0 = null
	TargetLastActiveMs      []int64 // 0 = null, in configured order
}

// Default returns the record a fresh configuration starts from: no
// migration has ever run, so the most-preferred clustered target
// (index targetCount-1) is assumed active and no activity has been
// recorded anywhere.
func Default(targetCount int) Record {
	return Record{
		ActiveIndex:            int32(targetCount - 1),
		StandaloneLastActiveMs: 0,
		TargetLastActiveMs:     make([]int64, targetCount),
	}
}

// Load reads and validates the state file at path for a configuration
// of targetCount targets. If the file does not exist, Default is
// returned with no error. A cookie/version mismatch is ErrCorrupt
// (fatal). A target-count mismatch is ErrCountMismatch (soft warning;
// callers should log and fall back to Default, not abort).
func Load(path string, targetCount int) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(targetCount), nil
		}
		return Record{}, fmt.Errorf("statefile: read %s: %w", path, err)
	}
	return decode(data, targetCount)
}

func decode(data []byte, targetCount int) (Record, error) {
	if len(data) < headerSize {
		return Record{}, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	cookie := binary.BigEndian.Uint32(data[0:4])
	version := binary.BigEndian.Uint32(data[4:8])
	if cookie != magicCookie || version != formatVersion {
		return Record{}, fmt.Errorf("%w: cookie=%#x version=%d", ErrCorrupt, cookie, version)
	}
	count := int(binary.BigEndian.Uint32(data[8:12]))
	activeIndex := int32(binary.BigEndian.Uint32(data[12:16]))
	standaloneLastActive := int64(binary.BigEndian.Uint64(data[16:24]))

	wantLen := headerSize + count*perTargetSize
	if len(data) < wantLen {
		return Record{}, fmt.Errorf("%w: truncated target array", ErrCorrupt)
	}

	perTarget := make([]int64, count)
	for i := 0; i < count; i++ {
		off := headerSize + i*perTargetSize
		perTarget[i] = int64(binary.BigEndian.Uint64(data[off : off+8]))
	}

	rec := Record{
		ActiveIndex:            activeIndex,
		StandaloneLastActiveMs: standaloneLastActive,
		TargetLastActiveMs:     perTarget,
	}

	if count != targetCount {
		return rec, fmt.Errorf("%w: file has %d, configured %d", ErrCountMismatch, count, targetCount)
	}
	return rec, nil
}

func encode(rec Record) []byte {
	n := len(rec.TargetLastActiveMs)
	buf := make([]byte, headerSize+n*perTargetSize)
	binary.BigEndian.PutUint32(buf[0:4], magicCookie)
	binary.BigEndian.PutUint32(buf[4:8], formatVersion)
	binary.BigEndian.PutUint32(buf[8:12], uint32(n))
	binary.BigEndian.PutUint32(buf[12:16], uint32(rec.ActiveIndex))
	binary.BigEndian.PutUint64(buf[16:24], uint64(rec.StandaloneLastActiveMs))
	for i, v := range rec.TargetLastActiveMs {
		off := headerSize + i*perTargetSize
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(v))
	}
	return buf
}

// Save atomically replaces the file at path with rec's encoding: the
// new contents are written to a temp file in the same directory,
// fsynced, then renamed over path. A reader can therefore only ever
// observe the prior complete file or the new complete file, never a
// partial write.
func Save(path string, rec Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("statefile: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".statefile-*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once the rename below succeeds

	if _, err := tmp.Write(encode(rec)); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("statefile: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("statefile: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statefile: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("statefile: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statefile: rename into place: %w", err)
	}
	return nil
}
