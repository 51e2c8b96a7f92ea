package snapshot

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"market/domain/orderbook"
	"market/infra/wal"
)

const formatVersion = 1

const (
	stateVersion protowire.Number = 1
	stateSeq     protowire.Number = 2
	stateCreated protowire.Number = 3
	stateBook    protowire.Number = 4

	bookInstrument protowire.Number = 1
	bookBid        protowire.Number = 2
	bookAsk        protowire.Number = 3

	orderID     protowire.Number = 1
	orderSide   protowire.Number = 2
	orderType   protowire.Number = 3
	orderPrice  protowire.Number = 4
	orderQty    protowire.Number = 5
	orderFilled protowire.Number = 6
	orderSeq    protowire.Number = 7
	orderStatus protowire.Number = 8
)

// Encode serializes s and appends a checksum.
func Encode(s State) []byte {
	var b []byte
	b = appendVarint(b, stateVersion, formatVersion)
	b = appendVarint(b, stateSeq, s.Seq)
	b = appendVarint(b, stateCreated, uint64(s.Created.UnixNano()))
	for _, book := range s.Books {
		b = protowire.AppendTag(b, stateBook, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeBook(book))
	}
	return binary.BigEndian.AppendUint32(b, wal.CRC32(b))
}

// EncodeBooks serializes only the books, the part that must match byte for
// byte between a live engine and a recovered one.
func EncodeBooks(books []orderbook.BookState) []byte {
	var b []byte
	for _, book := range books {
		b = protowire.AppendTag(b, stateBook, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeBook(book))
	}
	return b
}

// Digest fingerprints a set of books.
func Digest(books []orderbook.BookState) string {
	return strconv.FormatUint(xxhash.Sum64(EncodeBooks(books)), 16)
}

func encodeBook(book orderbook.BookState) []byte {
	var b []byte
	b = protowire.AppendTag(b, bookInstrument, protowire.BytesType)
	b = protowire.AppendString(b, book.Instrument)
	for _, o := range book.Bids {
		b = protowire.AppendTag(b, bookBid, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOrder(o))
	}
	for _, o := range book.Asks {
		b = protowire.AppendTag(b, bookAsk, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOrder(o))
	}
	return b
}

func encodeOrder(o orderbook.Order) []byte {
	var b []byte
	b = appendVarint(b, orderID, o.ID)
	b = appendVarint(b, orderSide, uint64(o.Side))
	b = appendVarint(b, orderType, uint64(o.Type))
	b = appendVarint(b, orderPrice, protowire.EncodeZigZag(o.Price))
	b = appendVarint(b, orderQty, protowire.EncodeZigZag(o.Qty))
	b = appendVarint(b, orderFilled, protowire.EncodeZigZag(o.Filled))
	b = appendVarint(b, orderSeq, o.Seq)
	b = appendVarint(b, orderStatus, uint64(o.Status))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Decode verifies the checksum and parses a snapshot.
func Decode(data []byte) (State, error) {
	if len(data) < 4 {
		return State{}, errors.Wrapf(ErrCorrupt, "%d bytes", len(data))
	}
	body, sum := data[:len(data)-4], binary.BigEndian.Uint32(data[len(data)-4:])
	if !wal.CRC32Valid(body, sum) {
		return State{}, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	var s State
	var version uint64
	err := walk(body, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case stateVersion:
			version = v
		case stateSeq:
			s.Seq = v
		case stateCreated:
			s.Created = time.Unix(0, int64(v)).UTC()
		case stateBook:
			book, err := decodeBook(raw)
			if err != nil {
				return err
			}
			s.Books = append(s.Books, book)
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	if version != formatVersion {
		return State{}, errors.Wrapf(ErrCorrupt, "format version %d", version)
	}
	return s, nil
}

func decodeBook(b []byte) (orderbook.BookState, error) {
	var book orderbook.BookState
	err := walk(b, func(num protowire.Number, _ uint64, raw []byte) error {
		switch num {
		case bookInstrument:
			book.Instrument = string(raw)
		case bookBid, bookAsk:
			o, err := decodeOrder(raw)
			if err != nil {
				return err
			}
			if num == bookBid {
				book.Bids = append(book.Bids, o)
			} else {
				book.Asks = append(book.Asks, o)
			}
		}
		return nil
	})
	if err != nil {
		return book, err
	}
	for i := range book.Bids {
		book.Bids[i].Instrument = book.Instrument
	}
	for i := range book.Asks {
		book.Asks[i].Instrument = book.Instrument
	}
	return book, nil
}

func decodeOrder(b []byte) (orderbook.Order, error) {
	var o orderbook.Order
	err := walk(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case orderID:
			o.ID = v
		case orderSide:
			o.Side = orderbook.Side(v)
		case orderType:
			o.Type = orderbook.OrderType(v)
		case orderPrice:
			o.Price = protowire.DecodeZigZag(v)
		case orderQty:
			o.Qty = protowire.DecodeZigZag(v)
		case orderFilled:
			o.Filled = protowire.DecodeZigZag(v)
		case orderSeq:
			o.Seq = v
		case orderStatus:
			o.Status = orderbook.Status(v)
		}
		return nil
	})
	return o, err
}

func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
		}
		b = b[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(ErrCorrupt, "field %d: %s", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v, raw); err != nil {
			return err
		}
	}
	return nil
}
