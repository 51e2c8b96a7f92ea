// Package segment is a file-backed durability log. Records are framed with a
// checksum and appended to size-bounded segment files named after the first
// sequence they hold; every append is fsynced before it returns.
package segment

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

const (
	versionFile        = "VERSION"
	defaultSegmentSize = 64 << 20
)

type Config struct {
	Dir string
	// SegmentSize rotates the active segment once it reaches this many bytes.
	SegmentSize int64
	// MaxBytes bounds the retained log; 0 means unbounded.
	MaxBytes int64
}

type Log struct {
	mu sync.Mutex

	dir      string
	segSize  int64
	maxBytes int64

	firsts  []uint64 // ascending; the last one is the active segment
	current *segment
	last    uint64
	total   int64

	repaired int64
	broken   error
	closed   bool
}

var _ wal.Log = (*Log)(nil)

func Open(cfg Config) (*Log, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, wal.MarkIO(err, "create %s", cfg.Dir)
	}

	firsts, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(cfg.Dir, len(firsts) > 0); err != nil {
		return nil, err
	}
	if len(firsts) == 0 {
		firsts = []uint64{1}
	}

	l := &Log{
		dir:      cfg.Dir,
		segSize:  cfg.SegmentSize,
		maxBytes: cfg.MaxBytes,
		firsts:   firsts,
	}

	active := firsts[len(firsts)-1]
	activePath := filepath.Join(cfg.Dir, segmentName(active))
	if _, err := os.Stat(activePath); err == nil {
		res, err := scanSegment(activePath, active)
		if err != nil {
			return nil, err
		}
		if l.repaired, err = repairTail(activePath, res); err != nil {
			return nil, err
		}
		l.last = res.last
	} else {
		l.last = active - 1
	}

	for _, first := range firsts {
		st, err := os.Stat(filepath.Join(cfg.Dir, segmentName(first)))
		if err == nil {
			l.total += st.Size()
		}
	}

	if l.current, err = openSegment(cfg.Dir, active); err != nil {
		return nil, err
	}
	if err := syncDir(cfg.Dir); err != nil {
		_ = l.current.close()
		return nil, wal.MarkIO(err, "sync %s", cfg.Dir)
	}
	return l, nil
}

func checkVersion(dir string, populated bool) error {
	path := filepath.Join(dir, versionFile)
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && populated:
		return errors.Wrapf(wal.ErrSchemaVersion, "%s: segments present without %s", dir, versionFile)
	case os.IsNotExist(err):
		if err := os.WriteFile(path, []byte(strconv.Itoa(wal.SchemaVersion)+"\n"), 0o644); err != nil {
			return wal.MarkIO(err, "write %s", path)
		}
		return nil
	case err != nil:
		return wal.MarkIO(err, "read %s", path)
	}

	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || v != wal.SchemaVersion {
		return errors.Wrapf(wal.ErrSchemaVersion, "%s: found %q, want %d", path, strings.TrimSpace(string(b)), wal.SchemaVersion)
	}
	return nil
}

// Repaired returns the number of torn tail bytes discarded at open.
func (l *Log) Repaired() int64 { return l.repaired }

func (l *Log) Append(rec wal.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return wal.ErrClosed
	}
	if l.broken != nil {
		return errors.Mark(errors.Wrap(l.broken, "segment log unusable after failed rollback"), wal.ErrIO)
	}
	if err := wal.CheckNext(l.last, rec.Seq); err != nil {
		return err
	}

	frame := encodeFrame(rec)
	if l.maxBytes > 0 && l.total+int64(len(frame)) > l.maxBytes {
		return errors.Wrapf(wal.ErrLogFull, "%d of %d bytes retained", l.total, l.maxBytes)
	}
	if err := l.current.append(frame); err != nil {
		if errors.Is(err, errBroken) {
			l.broken = err
		}
		return wal.MarkIO(err, "append seq %d", rec.Seq)
	}
	l.last = rec.Seq
	l.total += int64(len(frame))

	if l.current.offset >= l.segSize {
		l.rotate()
	}
	return nil
}

// rotate starts a new segment. The record that triggered it is already
// durable, so a failed rotation keeps appending to the old segment.
func (l *Log) rotate() {
	next, err := openSegment(l.dir, l.last+1)
	if err != nil {
		return
	}
	if err := syncDir(l.dir); err != nil {
		_ = next.close()
		_ = os.Remove(filepath.Join(l.dir, segmentName(l.last+1)))
		return
	}
	_ = l.current.close()
	l.current = next
	l.firsts = append(l.firsts, next.first)
}

func (l *Log) FirstSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last < l.firsts[0] {
		return 0
	}
	return l.firsts[0]
}

func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// TruncateBefore removes whole segments whose records all have Seq <= seq.
// The active segment is never removed.
func (l *Log) TruncateBefore(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return wal.ErrClosed
	}
	removed := false
	for len(l.firsts) > 1 && l.firsts[1]-1 <= seq {
		path := filepath.Join(l.dir, segmentName(l.firsts[0]))
		st, err := os.Stat(path)
		if err != nil && !os.IsNotExist(err) {
			return wal.MarkIO(err, "stat %s", path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return wal.MarkIO(err, "remove %s", path)
		}
		if st != nil {
			l.total -= st.Size()
		}
		l.firsts = l.firsts[1:]
		removed = true
	}
	if removed {
		if err := syncDir(l.dir); err != nil {
			return wal.MarkIO(err, "sync %s", l.dir)
		}
	}
	return nil
}

func (l *Log) NewReader(from uint64) (wal.Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, wal.ErrClosed
	}
	firsts := append([]uint64(nil), l.firsts...)
	idx := 0
	for i, first := range firsts {
		if first <= from {
			idx = i
		}
	}
	return &reader{dir: l.dir, firsts: firsts, idx: idx, from: from, end: l.last}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.current.close()
}
