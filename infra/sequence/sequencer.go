package sequence

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

var ErrSequencingUnavailable = errors.New("sequencing unavailable")

const defaultTimeout = time.Second

// Appender is the part of the durability log the sequencer drives.
type Appender interface {
	Append(rec wal.Record) error
	LastSeq() uint64
}

// Observer is told how long each append took and how it ended.
type Observer func(seq uint64, took time.Duration, err error)

type Option func(*Sequencer)

func WithTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithObserver(fn Observer) Option {
	return func(s *Sequencer) { s.observe = fn }
}

// HaltHandler is called once when an append reports a sequence gap and the
// sequencer stops accepting writes.
type HaltHandler func(seq uint64, err error)

func WithHaltHandler(fn HaltHandler) Option {
	return func(s *Sequencer) { s.onHalt = fn }
}

// Sequencer assigns gap-free sequence numbers and owns the durability
// append, so numbers are handed out in exactly the log's append order. A
// number becomes visible through Current only once its record is durable;
// a failed append does not consume it.
type Sequencer struct {
	slot    chan struct{} // single writer
	log     Appender
	timeout time.Duration
	observe Observer
	onHalt  HaltHandler

	last  atomic.Uint64
	fatal atomic.Pointer[halt]
}

type halt struct{ err error }

// New starts after the log's last sequence.
func New(log Appender, opts ...Option) *Sequencer {
	s := &Sequencer{
		slot:    make(chan struct{}, 1),
		log:     log,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.last.Store(log.LastSeq())
	return s
}

// Commit reserves the next sequence, builds its payload, and appends it.
// Waiting for the writer slot is bounded by the sequencer timeout and ctx;
// running out of either fails with ErrSequencingUnavailable.
func (s *Sequencer) Commit(ctx context.Context, typ uint8, build func(seq uint64) ([]byte, error)) (uint64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	if h := s.fatal.Load(); h != nil {
		return 0, errors.Wrap(h.err, "sequencer halted")
	}

	seq := s.last.Load() + 1
	data, err := build(seq)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	err = s.log.Append(wal.NewRecord(seq, typ, data))
	if s.observe != nil {
		s.observe(seq, time.Since(start), err)
	}
	if err != nil {
		if errors.Is(err, wal.ErrSequenceGap) {
			s.fatal.Store(&halt{err: err})
			if s.onHalt != nil {
				s.onHalt(seq, err)
			}
		}
		return 0, err
	}
	s.last.Store(seq)
	return seq, nil
}

func (s *Sequencer) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "waiting for sequencer"), ErrSequencingUnavailable)
	case <-timer.C:
		return errors.Wrapf(ErrSequencingUnavailable, "writer busy for %s", s.timeout)
	}
}

func (s *Sequencer) release() { <-s.slot }

// Current returns the last durable sequence.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Fatal returns the sequence gap that halted the sequencer, or nil.
func (s *Sequencer) Fatal() error {
	if h := s.fatal.Load(); h != nil {
		return h.err
	}
	return nil
}

// Reset sets the last durable sequence after recovery and clears a halt.
// It must agree with the log.
func (s *Sequencer) Reset(ctx context.Context, v uint64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if got := s.log.LastSeq(); got != v {
		return errors.Wrapf(wal.ErrSequenceGap, "reset to %d but log ends at %d", v, got)
	}
	s.last.Store(v)
	s.fatal.Store(nil)
	return nil
}
