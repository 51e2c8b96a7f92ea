package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/infra/wal"
)

func appendN(t *testing.T, l *Log, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, l.Append(wal.NewRecord(seq, 1, []byte(fmt.Sprintf("payload-%d", seq)))))
	}
}

func readAll(t *testing.T, l wal.Log, from uint64) []uint64 {
	t.Helper()
	r, err := l.NewReader(from)
	require.NoError(t, err)
	defer r.Close()

	var seqs []uint64
	for r.Next() {
		rec := r.Record()
		assert.Equal(t, fmt.Sprintf("payload-%d", rec.Seq), string(rec.Data))
		seqs = append(seqs, rec.Seq)
	}
	require.NoError(t, r.Err())
	return seqs
}

func TestLog_AppendAndRead(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	appendN(t, l, 1, 5)
	assert.Equal(t, uint64(1), l.FirstSeq())
	assert.Equal(t, uint64(5), l.LastSeq())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, readAll(t, l, 1))
	assert.Equal(t, []uint64{4, 5}, readAll(t, l, 4))
	assert.Empty(t, readAll(t, l, 6))
}

func TestLog_RejectsOutOfOrderAppend(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	appendN(t, l, 1, 2)
	err = l.Append(wal.NewRecord(4, 1, nil))
	assert.True(t, errors.Is(err, wal.ErrSequenceGap))
	err = l.Append(wal.NewRecord(2, 1, nil))
	assert.True(t, errors.Is(err, wal.ErrSequenceGap))
	assert.Equal(t, uint64(2), l.LastSeq())
}

func TestLog_RotateTruncateAndReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, SegmentSize: 100})
	require.NoError(t, err)

	// Each frame is 25 bytes of framing plus a 9 or 10 byte payload, so a
	// segment rotates every third record.
	appendN(t, l, 1, 10)
	firsts, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(firsts), 2)

	require.NoError(t, l.TruncateBefore(5))
	first := l.FirstSeq()
	assert.LessOrEqual(t, first, uint64(6))
	assert.Greater(t, first, uint64(1))

	seqs := readAll(t, l, first)
	assert.Equal(t, first, seqs[0])
	assert.Equal(t, uint64(10), seqs[len(seqs)-1])
	require.NoError(t, l.Close())

	l, err = Open(Config{Dir: dir, SegmentSize: 100})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(10), l.LastSeq())
	assert.Equal(t, first, l.FirstSeq())
	appendN(t, l, 11, 12)

	last, err := wal.Replay(context.Background(), l, first, 0, func(wal.Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(12), last)
}

func TestLog_TruncateEverythingKeepsLastSeq(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, SegmentSize: 1})
	require.NoError(t, err)
	appendN(t, l, 1, 3)
	require.NoError(t, l.TruncateBefore(3))
	assert.Equal(t, uint64(0), l.FirstSeq())
	assert.Equal(t, uint64(3), l.LastSeq())
	require.NoError(t, l.Close())

	l, err = Open(Config{Dir: dir, SegmentSize: 1})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(3), l.LastSeq())
	require.NoError(t, l.Append(wal.NewRecord(4, 1, []byte("payload-4"))))
}

func TestLog_RepairsTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, l, 1, 3)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, segmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	partial := encodeFrame(wal.NewRecord(4, 1, []byte("payload-4")))
	_, err = f.Write(partial[:len(partial)-3])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, int64(len(partial)-3), l.Repaired())
	assert.Equal(t, uint64(3), l.LastSeq())
	appendN(t, l, 4, 4)
	assert.Equal(t, []uint64{1, 2, 3, 4}, readAll(t, l, 1))
}

func TestLog_CorruptMiddleFrameFailsOpen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, l, 1, 5)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, segmentName(1))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	frame := len(encodeFrame(wal.NewRecord(1, 1, []byte("payload-1"))))
	b[frame+headerSize] ^= 0xff // first payload byte of seq 2
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Open(Config{Dir: dir})
	require.Error(t, err)
	assert.True(t, errors.Is(err, wal.ErrCorrupt))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, b, after, "acknowledged frames must not be truncated")
}

func TestLog_CorruptMiddleLengthFailsOpen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, l, 1, 3)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, segmentName(1))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	frame := len(encodeFrame(wal.NewRecord(1, 1, []byte("payload-1"))))
	copy(b[frame+17:frame+21], []byte{0xff, 0xff, 0xff, 0xff}) // length of seq 2
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, err = Open(Config{Dir: dir})
	assert.True(t, errors.Is(err, wal.ErrCorrupt), "%v", err)
}

func TestLog_CorruptLastFrameIsRepaired(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, l, 1, 3)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, segmentName(1))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff // checksum of seq 3
	require.NoError(t, os.WriteFile(path, b, 0o644))

	l, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, int64(len(encodeFrame(wal.NewRecord(3, 1, []byte("payload-3"))))), l.Repaired())
	assert.Equal(t, uint64(2), l.LastSeq())
	assert.Equal(t, []uint64{1, 2}, readAll(t, l, 1))
}

func TestLog_SchemaVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	appendN(t, l, 1, 1)
	require.NoError(t, l.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, versionFile), []byte("99\n"), 0o644))
	_, err = Open(Config{Dir: dir})
	assert.True(t, errors.Is(err, wal.ErrSchemaVersion))

	require.NoError(t, os.Remove(filepath.Join(dir, versionFile)))
	_, err = Open(Config{Dir: dir})
	assert.True(t, errors.Is(err, wal.ErrSchemaVersion))
}

func TestLog_MaxBytes(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxBytes: 70})
	require.NoError(t, err)
	defer l.Close()

	appendN(t, l, 1, 2) // 34 bytes each
	err = l.Append(wal.NewRecord(3, 1, []byte("payload-3")))
	assert.True(t, errors.Is(err, wal.ErrLogFull))
	assert.Equal(t, uint64(2), l.LastSeq())
}

func TestLog_ReaderIsBoundedAtCreation(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	appendN(t, l, 1, 3)
	r, err := l.NewReader(1)
	require.NoError(t, err)
	defer r.Close()
	appendN(t, l, 4, 5)

	var n int
	for r.Next() {
		n++
	}
	require.NoError(t, r.Err())
	assert.Equal(t, 3, n)
}
