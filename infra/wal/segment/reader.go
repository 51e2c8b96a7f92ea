package segment

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

type reader struct {
	dir    string
	firsts []uint64
	idx    int
	from   uint64
	end    uint64

	f  *os.File
	br *bufio.Reader

	rec  wal.Record
	prev uint64
	done bool
	err  error
}

func (r *reader) Next() bool {
	if r.done || r.err != nil || r.from > r.end {
		return false
	}
	for {
		if r.f == nil {
			if r.idx >= len(r.firsts) {
				r.done = true
				return false
			}
			path := filepath.Join(r.dir, segmentName(r.firsts[r.idx]))
			f, err := os.Open(path)
			if err != nil {
				r.err = wal.MarkIO(err, "open %s", path)
				return false
			}
			r.f, r.br = f, bufio.NewReaderSize(f, 64<<10)
		}

		rec, _, err := readFrame(r.br)
		if err != nil {
			if isEOF(err) || (errors.Is(err, errTorn) && r.idx == len(r.firsts)-1) {
				r.closeFile()
				r.idx++
				continue
			}
			r.err = errors.Wrapf(err, "segment %d", r.firsts[r.idx])
			return false
		}
		if rec.Seq > r.end {
			r.done = true
			return false
		}
		if rec.Seq < r.from {
			continue
		}
		if r.prev != 0 && rec.Seq != r.prev+1 {
			r.err = errors.Wrapf(wal.ErrSequenceGap, "read seq %d after %d", rec.Seq, r.prev)
			return false
		}
		r.prev = rec.Seq
		r.rec = rec
		if rec.Seq == r.end {
			r.done = true
		}
		return true
	}
}

func (r *reader) Record() wal.Record { return r.rec }

func (r *reader) Err() error { return r.err }

func (r *reader) closeFile() {
	if r.f != nil {
		_ = r.f.Close()
		r.f, r.br = nil, nil
	}
}

func (r *reader) Close() error {
	r.closeFile()
	r.done = true
	return nil
}
