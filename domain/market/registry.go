package market

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry holds the known instruments keyed by symbol.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]Instrument)}
}

// Register adds an instrument. Registering the same definition twice is a
// no-op; redefining an existing symbol fails because instruments are
// immutable.
func (r *Registry) Register(inst Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instruments[inst.Symbol]; ok {
		if existing == inst {
			return nil
		}
		return errors.Wrapf(ErrDuplicateInstrument, "%s: tick=%d lot=%d already registered as tick=%d lot=%d",
			inst.Symbol, inst.TickSize, inst.LotSize, existing.TickSize, existing.LotSize)
	}
	r.instruments[inst.Symbol] = inst
	return nil
}

func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instruments[symbol]
	if !ok {
		return Instrument{}, errors.Wrapf(ErrUnknownInstrument, "%q", symbol)
	}
	return inst, nil
}

// List returns every instrument sorted by symbol.
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
