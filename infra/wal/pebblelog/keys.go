package pebblelog

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

// Key layout:
//
//	log/<seq:8 BE>    -> [type:1][time:8][payload]
//	meta/schema       -> [version:8 BE]
//	meta/floor        -> [seq:8 BE] highest truncated sequence
//	cursor/<name>     -> [seq:8 BE]
var (
	logPrefix    = []byte("log/")
	logEnd       = []byte("log0") // '0' sorts right after '/'
	metaSchema   = []byte("meta/schema")
	metaFloor    = []byte("meta/floor")
	cursorPrefix = []byte("cursor/")
)

func logKey(seq uint64) []byte {
	k := make([]byte, len(logPrefix)+8)
	copy(k, logPrefix)
	binary.BigEndian.PutUint64(k[len(logPrefix):], seq)
	return k
}

func parseLogKey(k []byte) (uint64, error) {
	if len(k) != len(logPrefix)+8 {
		return 0, errors.Wrapf(wal.ErrCorrupt, "log key %q", k)
	}
	return binary.BigEndian.Uint64(k[len(logPrefix):]), nil
}

func cursorKey(name string) []byte {
	return append(append([]byte(nil), cursorPrefix...), name...)
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Wrapf(wal.ErrCorrupt, "value length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeValue(rec wal.Record) []byte {
	b := make([]byte, 9+len(rec.Data))
	b[0] = rec.Type
	binary.BigEndian.PutUint64(b[1:9], uint64(rec.Time))
	copy(b[9:], rec.Data)
	return b
}

func decodeValue(seq uint64, v []byte) (wal.Record, error) {
	if len(v) < 9 {
		return wal.Record{}, errors.Wrapf(wal.ErrCorrupt, "seq %d: value length %d", seq, len(v))
	}
	return wal.Record{
		Seq:  seq,
		Type: v[0],
		Time: int64(binary.BigEndian.Uint64(v[1:9])),
		Data: append([]byte(nil), v[9:]...),
	}, nil
}
