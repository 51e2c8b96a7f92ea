package snapshot

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Blobs is the object storage the S3 store needs.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// IsNotFound reports whether a Blobs error means a missing object.
type IsNotFound func(error) bool

// S3Store keeps one object per snapshot under Prefix.
type S3Store struct {
	Blobs    Blobs
	Prefix   string
	Retain   int
	NotFound IsNotFound
}

var _ Store = (*S3Store)(nil)

func (s *S3Store) key(seq uint64) string {
	return path.Join(s.Prefix, fileName(seq))
}

func (s *S3Store) Save(ctx context.Context, st State) error {
	if err := s.Blobs.Put(ctx, s.key(st.Seq), Encode(st)); err != nil {
		return errors.Wrapf(err, "upload snapshot %d", st.Seq)
	}
	if s.Retain <= 0 {
		return nil
	}
	seqs, err := s.seqs(ctx)
	if err != nil {
		return err
	}
	for len(seqs) > s.Retain {
		if err := s.Blobs.Delete(ctx, s.key(seqs[0])); err != nil {
			return errors.Wrapf(err, "prune snapshot %d", seqs[0])
		}
		seqs = seqs[1:]
	}
	return nil
}

func (s *S3Store) Load(ctx context.Context, atOrBefore uint64) (State, error) {
	seqs, err := s.seqs(ctx)
	if err != nil {
		return State{}, err
	}
	var lastErr error
	for i := len(seqs) - 1; i >= 0; i-- {
		if seqs[i] > atOrBefore {
			continue
		}
		data, err := s.Blobs.Get(ctx, s.key(seqs[i]))
		if err != nil {
			if s.NotFound != nil && s.NotFound(err) {
				continue
			}
			return State{}, errors.Wrapf(err, "download snapshot %d", seqs[i])
		}
		st, err := Decode(data)
		if err != nil {
			lastErr = errors.Wrapf(err, "snapshot %d", seqs[i])
			continue
		}
		return st, nil
	}
	if lastErr != nil {
		return State{}, errors.Mark(lastErr, ErrNotFound)
	}
	return State{}, ErrNotFound
}

func (s *S3Store) seqs(ctx context.Context) ([]uint64, error) {
	prefix := s.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	keys, err := s.Blobs.List(ctx, prefix+filePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	var seqs []uint64
	for _, k := range keys {
		name := path.Base(k)
		if !strings.HasSuffix(name, fileSuffix) {
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
