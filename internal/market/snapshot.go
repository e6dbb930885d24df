package market

import (
	"context"
	"time"
)

// Tick is the observed state of one symbol at a point in time.
type Tick struct {
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is an immutable view of the market taken at the start of a cycle.
// Once produced it is never mutated; components receive it by value.
type Snapshot struct {
	Ticks map[string]Tick `json:"ticks"`
	Taken time.Time       `json:"taken"`
}

// NewSnapshot copies ticks so later writes by the producer cannot leak in.
func NewSnapshot(ticks map[string]Tick, taken time.Time) Snapshot {
	cp := make(map[string]Tick, len(ticks))
	for sym, t := range ticks {
		cp[sym] = t
	}
	return Snapshot{Ticks: cp, Taken: taken}
}

// Symbols returns the symbols present in the snapshot.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Ticks))
	for sym := range s.Ticks {
		out = append(out, sym)
	}
	return out
}

// Price returns the last price for sym, or false when sym is absent.
func (s Snapshot) Price(sym string) (float64, bool) {
	t, ok := s.Ticks[sym]
	if !ok {
		return 0, false
	}
	return t.Price, true
}

// Provider supplies one snapshot per cycle.
type Provider interface {
	Fetch(ctx context.Context) (Snapshot, error)
	Close() error
}
