// Package snapshot materializes order book state at a sequence number so
// recovery only replays the log tail after it. Encoding is deterministic:
// equal book states always produce equal bytes.
package snapshot

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"market/domain/orderbook"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrCorrupt  = errors.New("snapshot corrupt")
)

// Newest selects the latest snapshot in Store.Load.
const Newest uint64 = math.MaxUint64

// State is every instrument's book at sequence Seq, sorted by instrument.
type State struct {
	Seq     uint64
	Created time.Time
	Books   []orderbook.BookState
}

// Book returns the state of one instrument, if present.
func (s State) Book(instrument string) (orderbook.BookState, bool) {
	i := sort.Search(len(s.Books), func(i int) bool { return s.Books[i].Instrument >= instrument })
	if i < len(s.Books) && s.Books[i].Instrument == instrument {
		return s.Books[i], true
	}
	return orderbook.BookState{}, false
}

// SortBooks orders books by instrument.
func SortBooks(books []orderbook.BookState) {
	sort.Slice(books, func(i, j int) bool { return books[i].Instrument < books[j].Instrument })
}

// Store persists snapshots.
type Store interface {
	Save(ctx context.Context, s State) error
	// Load returns the newest snapshot with Seq <= atOrBefore, or
	// ErrNotFound.
	Load(ctx context.Context, atOrBefore uint64) (State, error)
}
