package segment

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

// Frame:
// [type:1][seq:8][time:8][len:4][payload][crc:4]
// The checksum covers header and payload.
const (
	headerSize = 1 + 8 + 8 + 4
	crcSize    = 4

	maxPayload = 64 << 20
)

// errTorn marks a frame cut short by a crash mid-write.
var errTorn = errors.New("torn frame")

func encodeFrame(rec wal.Record) []byte {
	n := uint32(len(rec.Data))
	buf := make([]byte, headerSize+int(n)+crcSize)

	buf[0] = rec.Type
	binary.BigEndian.PutUint64(buf[1:9], rec.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(rec.Time))
	binary.BigEndian.PutUint32(buf[17:21], n)
	copy(buf[headerSize:], rec.Data)

	binary.BigEndian.PutUint32(buf[headerSize+int(n):], wal.CRC32(buf[:headerSize+int(n)]))
	return buf
}

// readFrame reads one frame and returns it with its encoded size. io.EOF
// means a clean end; errTorn a partial frame; wal.ErrCorrupt a bad checksum
// or length, still reported with the bytes the frame is known to span.
func readFrame(r *bufio.Reader) (wal.Record, int, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return wal.Record{}, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return wal.Record{}, 0, errTorn
		}
		return wal.Record{}, 0, wal.MarkIO(err, "read frame header")
	}

	n := binary.BigEndian.Uint32(header[17:21])
	if n > maxPayload {
		return wal.Record{}, headerSize, errors.Wrapf(wal.ErrCorrupt, "frame length %d", n)
	}
	size := headerSize + int(n) + crcSize

	body := make([]byte, int(n)+crcSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wal.Record{}, 0, errTorn
		}
		return wal.Record{}, 0, wal.MarkIO(err, "read frame body")
	}

	payload := body[:n]
	sum := binary.BigEndian.Uint32(body[n:])
	crc := wal.CRC32(append(header[:], payload...))
	if crc != sum {
		return wal.Record{}, size, errors.Wrapf(wal.ErrCorrupt, "crc mismatch at seq %d", binary.BigEndian.Uint64(header[1:9]))
	}

	return wal.Record{
		Type: header[0],
		Seq:  binary.BigEndian.Uint64(header[1:9]),
		Time: int64(binary.BigEndian.Uint64(header[9:17])),
		Data: payload,
	}, size, nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
