package segment

import (
	"bufio"
	"os"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

type scanResult struct {
	last   uint64 // last valid seq, or first-1 when empty
	valid  int64  // offset just past the last valid frame
	size   int64
	frames int
}

// scanSegment walks a segment and stops at the first frame that is torn.
// A frame failing its checksum is a torn tail only when nothing follows it;
// with bytes after it the segment is corrupt and ErrCorrupt is returned, as
// the frames behind it were acknowledged. Frames must run contiguously from
// first.
func scanSegment(path string, first uint64) (scanResult, error) {
	res := scanResult{last: first - 1}

	f, err := os.Open(path)
	if err != nil {
		return res, wal.MarkIO(err, "open %s", path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return res, wal.MarkIO(err, "stat %s", path)
	}
	res.size = st.Size()

	r := bufio.NewReaderSize(f, 64<<10)
	for {
		rec, n, err := readFrame(r)
		if err != nil {
			switch {
			case isEOF(err), errors.Is(err, errTorn):
				return res, nil
			case errors.Is(err, wal.ErrCorrupt):
				if res.valid+int64(n) >= res.size {
					return res, nil
				}
				return res, errors.Wrapf(err, "%s: %d bytes follow the bad frame at offset %d",
					path, res.size-res.valid-int64(n), res.valid)
			}
			return res, err
		}
		if rec.Seq != res.last+1 {
			return res, errors.Wrapf(wal.ErrSequenceGap, "%s: seq %d after %d", path, rec.Seq, res.last)
		}
		res.last = rec.Seq
		res.valid += int64(n)
		res.frames++
	}
}

// repairTail truncates a torn or corrupt tail left by a crash.
func repairTail(path string, res scanResult) (int64, error) {
	if res.valid == res.size {
		return 0, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, wal.MarkIO(err, "open %s", path)
	}
	defer f.Close()
	if err := f.Truncate(res.valid); err != nil {
		return 0, wal.MarkIO(err, "truncate %s", path)
	}
	if err := f.Sync(); err != nil {
		return 0, wal.MarkIO(err, "sync %s", path)
	}
	return res.size - res.valid, nil
}
