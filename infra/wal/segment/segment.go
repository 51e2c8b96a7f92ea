package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".wal"
)

// segment is the active file being appended to. Its name carries the
// sequence of the first record it holds.
type segment struct {
	first  uint64
	file   *os.File
	offset int64
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentPrefix, first, segmentSuffix)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// listSegments returns the first sequence of every segment in dir, sorted.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wal.MarkIO(err, "list %s", dir)
	}
	var firsts []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if first, ok := parseSegmentName(e.Name()); ok {
			firsts = append(firsts, first)
		}
	}
	sort.Slice(firsts, func(i, j int) bool { return firsts[i] < firsts[j] })
	return firsts, nil
}

func openSegment(dir string, first uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(first))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, wal.MarkIO(err, "open segment %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, wal.MarkIO(err, "stat segment %s", path)
	}
	return &segment{first: first, file: f, offset: st.Size()}, nil
}

// errBroken marks an append whose rollback also failed: the file tail is
// unknown and the segment must not be written again.
var errBroken = errors.New("segment rollback failed")

// append writes b and fsyncs. On failure the file is truncated back to the
// previous offset.
func (s *segment) append(b []byte) error {
	n, err := s.file.Write(b)
	if err == nil && n != len(b) {
		err = errors.Newf("short write %d of %d bytes", n, len(b))
	}
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if terr := s.file.Truncate(s.offset); terr != nil {
			return errors.Mark(errors.WithSecondaryError(err, terr), errBroken)
		}
		if serr := s.file.Sync(); serr != nil {
			return errors.Mark(errors.WithSecondaryError(err, serr), errBroken)
		}
		return err
	}
	s.offset += int64(n)
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
