package event

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"market/domain/orderbook"
)

// Field numbers. Fields are always written in ascending order and zero
// values are omitted, so equal events encode to equal bytes.
const (
	submitInstrument protowire.Number = 1
	submitSide       protowire.Number = 2
	submitType       protowire.Number = 3
	submitPrice      protowire.Number = 4
	submitQty        protowire.Number = 5
	submitStatus     protowire.Number = 6
	submitFilled     protowire.Number = 7
	submitUnfilled   protowire.Number = 8
	submitFill       protowire.Number = 9

	fillPrice protowire.Number = 1
	fillQty   protowire.Number = 2
	fillBuy   protowire.Number = 3
	fillSell  protowire.Number = 4

	cancelInstrument protowire.Number = 1
	cancelOrderID    protowire.Number = 2
	cancelRemaining  protowire.Number = 3
	cancelFilled     protowire.Number = 4
)

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func (s Submit) Marshal() []byte {
	var b []byte
	b = appendString(b, submitInstrument, s.Instrument)
	b = appendUint(b, submitSide, uint64(s.Side))
	b = appendUint(b, submitType, uint64(s.OrderType))
	b = appendInt(b, submitPrice, s.Price)
	b = appendInt(b, submitQty, s.Qty)
	b = appendUint(b, submitStatus, uint64(s.Status))
	b = appendInt(b, submitFilled, s.Filled)
	b = appendInt(b, submitUnfilled, s.Unfilled)
	for _, f := range s.Fills {
		var fb []byte
		fb = appendInt(fb, fillPrice, f.Price)
		fb = appendInt(fb, fillQty, f.Qty)
		fb = appendUint(fb, fillBuy, f.BuyOrderID)
		fb = appendUint(fb, fillSell, f.SellOrderID)
		b = protowire.AppendTag(b, submitFill, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b
}

func (c Cancel) Marshal() []byte {
	var b []byte
	b = appendString(b, cancelInstrument, c.Instrument)
	b = appendUint(b, cancelOrderID, c.OrderID)
	b = appendInt(b, cancelRemaining, c.Remaining)
	b = appendInt(b, cancelFilled, c.Filled)
	return b
}

// field is one decoded key/value. Exactly one of v or raw is meaningful,
// depending on typ.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	raw []byte
}

// walk decodes every field in b and hands it to fn. Unknown wire types are
// skipped so older readers tolerate newer writers.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "field %d: %s", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func UnmarshalSubmit(b []byte) (Submit, error) {
	var s Submit
	err := walk(b, func(f field) error {
		switch f.num {
		case submitInstrument:
			s.Instrument = string(f.raw)
		case submitSide:
			s.Side = orderbook.Side(f.v)
		case submitType:
			s.OrderType = orderbook.OrderType(f.v)
		case submitPrice:
			s.Price = protowire.DecodeZigZag(f.v)
		case submitQty:
			s.Qty = protowire.DecodeZigZag(f.v)
		case submitStatus:
			s.Status = orderbook.Status(f.v)
		case submitFilled:
			s.Filled = protowire.DecodeZigZag(f.v)
		case submitUnfilled:
			s.Unfilled = protowire.DecodeZigZag(f.v)
		case submitFill:
			fill, err := unmarshalFill(f.raw)
			if err != nil {
				return err
			}
			s.Fills = append(s.Fills, fill)
		}
		return nil
	})
	return s, err
}

func unmarshalFill(b []byte) (Fill, error) {
	var fl Fill
	err := walk(b, func(f field) error {
		switch f.num {
		case fillPrice:
			fl.Price = protowire.DecodeZigZag(f.v)
		case fillQty:
			fl.Qty = protowire.DecodeZigZag(f.v)
		case fillBuy:
			fl.BuyOrderID = f.v
		case fillSell:
			fl.SellOrderID = f.v
		}
		return nil
	})
	return fl, err
}

func UnmarshalCancel(b []byte) (Cancel, error) {
	var c Cancel
	err := walk(b, func(f field) error {
		switch f.num {
		case cancelInstrument:
			c.Instrument = string(f.raw)
		case cancelOrderID:
			c.OrderID = f.v
		case cancelRemaining:
			c.Remaining = protowire.DecodeZigZag(f.v)
		case cancelFilled:
			c.Filled = protowire.DecodeZigZag(f.v)
		}
		return nil
	})
	return c, err
}

// Instrument extracts the instrument from either payload without decoding
// the rest.
func Instrument(t Type, b []byte) (string, error) {
	want := submitInstrument
	if t == TypeCancel {
		want = cancelInstrument
	}
	var sym string
	err := walk(b, func(f field) error {
		if f.num == want && f.typ == protowire.BytesType {
			sym = string(f.raw)
		}
		return nil
	})
	return sym, err
}
