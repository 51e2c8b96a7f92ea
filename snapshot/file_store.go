package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	filePrefix = "snapshot-"
	fileSuffix = ".snap"
)

// FileStore keeps snapshots as files in one directory. Writes go through a
// temporary file, fsync and rename, so a crash never leaves a partial
// snapshot under a final name.
type FileStore struct {
	Dir string
	// Retain is the number of newest snapshots kept; 0 keeps all.
	Retain int
}

var _ Store = (*FileStore)(nil)

func fileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

func (fs *FileStore) Save(_ context.Context, s State) error {
	if err := os.MkdirAll(fs.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", fs.Dir)
	}

	final := filepath.Join(fs.Dir, fileName(s.Seq))
	tmp, err := os.CreateTemp(fs.Dir, "."+fileName(s.Seq)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Encode(s)); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write snapshot %d", s.Seq)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "sync snapshot %d", s.Seq)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close snapshot %d", s.Seq)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return errors.Wrapf(err, "publish snapshot %d", s.Seq)
	}
	if err := syncDir(fs.Dir); err != nil {
		return errors.Wrapf(err, "sync %s", fs.Dir)
	}
	return fs.prune()
}

// Load tries snapshots newest first and skips any that fail to decode.
func (fs *FileStore) Load(_ context.Context, atOrBefore uint64) (State, error) {
	seqs, err := fs.list()
	if err != nil {
		return State{}, err
	}

	var lastErr error
	for i := len(seqs) - 1; i >= 0; i-- {
		if seqs[i] > atOrBefore {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.Dir, fileName(seqs[i])))
		if err != nil {
			lastErr = err
			continue
		}
		s, err := Decode(data)
		if err != nil {
			lastErr = errors.Wrapf(err, "snapshot %d", seqs[i])
			continue
		}
		return s, nil
	}
	if lastErr != nil {
		return State{}, errors.Mark(lastErr, ErrNotFound)
	}
	return State{}, ErrNotFound
}

// Seqs lists the sequence numbers of the stored snapshots, ascending.
func (fs *FileStore) Seqs() ([]uint64, error) {
	return fs.list()
}

func (fs *FileStore) list() ([]uint64, error) {
	entries, err := os.ReadDir(fs.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", fs.Dir)
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (fs *FileStore) prune() error {
	if fs.Retain <= 0 {
		return nil
	}
	seqs, err := fs.list()
	if err != nil {
		return err
	}
	for len(seqs) > fs.Retain {
		if err := os.Remove(filepath.Join(fs.Dir, fileName(seqs[0]))); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "prune snapshot %d", seqs[0])
		}
		seqs = seqs[1:]
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
