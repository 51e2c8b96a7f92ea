package wal

import "time"

// Record is an immutable log entry. Type is opaque to the log.
type Record struct {
	Seq  uint64
	Type uint8
	Time int64
	Data []byte
}

func NewRecord(seq uint64, typ uint8, data []byte) Record {
	return Record{
		Seq:  seq,
		Type: typ,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}
