// Package gas prices bundles before they run.
//
// Costs are computed from declared sizes only, so every host arrives at the
// same figure without touching the store.
package gas

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"

	"github.com/rhino1998/sanskrit/pkg/failure"
	"github.com/rhino1998/sanskrit/pkg/hash"
)

// Profile prices an operation over amount bytes as
// Constant + amount*Multiplier/Divisor.
type Profile struct {
	Constant   uint64 `toml:"constant"`
	Multiplier uint64 `toml:"multiplier"`
	Divisor    uint64 `toml:"divisor"`
}

func (p Profile) Validate() error {
	if p.Divisor == 0 {
		return fmt.Errorf("divisor must be positive")
	}
	return nil
}

// Cost saturates at math.MaxUint64, which no declared budget can cover.
func (p Profile) Cost(amount int) uint64 {
	hi, lo := bits.Mul64(uint64(amount), p.Multiplier)
	if hi >= p.Divisor {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, p.Divisor)
	return Add(p.Constant, q)
}

// Keyed prices a store access. The key is a hash the caller already paid
// for, so its size comes off the constant.
func (p Profile) Keyed(amount int) uint64 {
	c := p.Constant
	if c > hash.Size {
		c -= hash.Size
	} else {
		c = 0
	}
	return Profile{Constant: c, Multiplier: p.Multiplier, Divisor: p.Divisor}.Cost(amount)
}

type Profiles struct {
	StoreLoad  Profile `toml:"store_load"`
	StoreWrite Profile `toml:"store_write"`
	Encoding   Profile `toml:"encoding"`
}

func DefaultProfiles() Profiles {
	return Profiles{
		StoreLoad:  Profile{Constant: 200, Multiplier: 1, Divisor: 1},
		StoreWrite: Profile{Constant: 500, Multiplier: 5, Divisor: 1},
		Encoding:   Profile{Constant: 10, Multiplier: 1, Divisor: 4},
	}
}

func (p Profiles) Validate(logger *slog.Logger) error {
	for _, named := range []struct {
		name    string
		profile Profile
	}{
		{"store_load", p.StoreLoad},
		{"store_write", p.StoreWrite},
		{"encoding", p.Encoding},
	} {
		if err := named.profile.Validate(); err != nil {
			logger.Error("invalid gas profile", slog.String("profile", named.name), slog.Any("error", err))
			return fmt.Errorf("gas profile %s: %w", named.name, err)
		}
	}
	return nil
}

func (p Profiles) Load(size int) uint64 {
	return p.StoreLoad.Keyed(size)
}

func (p Profiles) Write(size int) uint64 {
	return p.StoreWrite.Keyed(size)
}

func (p Profiles) Parse(size int) uint64 {
	return p.Encoding.Cost(size)
}

// Add saturates at math.MaxUint64.
func Add(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// Meter counts gas against a limit.
type Meter struct {
	used  uint64
	limit uint64
}

func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

func (m *Meter) Used() uint64 {
	return m.used
}

func (m *Meter) Limit() uint64 {
	return m.limit
}

// Charge fails without recording anything if n does not fit the remaining
// budget.
func (m *Meter) Charge(n uint64) error {
	next := Add(m.used, n)
	if next > m.limit {
		return failure.Wrapf(failure.ErrGasExceeded, "%d + %d exceeds %d", m.used, n, m.limit)
	}
	m.used = next
	return nil
}
