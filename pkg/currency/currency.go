// Package currency implements fixed-point amounts as stored in ledger
// blocks: an unsigned count of the smallest unit plus the number of decimal
// places it carries.
package currency

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
)

// DefaultPrecision is the number of decimal places used by New.
const DefaultPrecision = 2

// MaxPrecision keeps 10^precision inside a uint64.
const MaxPrecision = 19

var (
	ErrOverflow          = errors.New("currency: overflow")
	ErrUnderflow         = errors.New("currency: underflow")
	ErrPrecisionMismatch = errors.New("currency: precision mismatch")
	ErrInvalidPrecision  = errors.New("currency: invalid precision")
)

// Currency is immutable; arithmetic returns new values.
type Currency struct {
	amount    uint64
	precision uint8
	div       uint64
}

// New returns amount smallest units with DefaultPrecision decimal places,
// so New(1234) is 12.34.
func New(amount uint64) Currency {
	c, _ := NewWithPrecision(amount, DefaultPrecision)
	return c
}

func NewWithPrecision(amount uint64, precision uint8) (Currency, error) {
	if precision > MaxPrecision {
		return Currency{}, fmt.Errorf("%w: %d", ErrInvalidPrecision, precision)
	}
	div := uint64(1)
	for i := uint8(0); i < precision; i++ {
		div *= 10
	}
	return Currency{amount: amount, precision: precision, div: div}, nil
}

func (c Currency) Amount() uint64   { return c.amount }
func (c Currency) Precision() uint8 { return c.precision }

// Integer is the part before the decimal point.
func (c Currency) Integer() uint64 {
	return c.amount / c.divisor()
}

// Fractional is the part after the decimal point, in smallest units.
func (c Currency) Fractional() uint64 {
	return c.amount % c.divisor()
}

func (c Currency) Add(o Currency) (Currency, error) {
	if c.precision != o.precision {
		return Currency{}, fmt.Errorf("%w: %d and %d", ErrPrecisionMismatch, c.precision, o.precision)
	}
	return c.AddUint(o.amount)
}

func (c Currency) Sub(o Currency) (Currency, error) {
	if c.precision != o.precision {
		return Currency{}, fmt.Errorf("%w: %d and %d", ErrPrecisionMismatch, c.precision, o.precision)
	}
	return c.SubUint(o.amount)
}

// AddUint adds n smallest units.
func (c Currency) AddUint(n uint64) (Currency, error) {
	sum, carry := bits.Add64(c.amount, n, 0)
	if carry != 0 {
		return Currency{}, fmt.Errorf("%w: %d + %d", ErrOverflow, c.amount, n)
	}
	c.amount = sum
	return c, nil
}

// SubUint subtracts n smallest units.
func (c Currency) SubUint(n uint64) (Currency, error) {
	diff, borrow := bits.Sub64(c.amount, n, 0)
	if borrow != 0 {
		return Currency{}, fmt.Errorf("%w: %d - %d", ErrUnderflow, c.amount, n)
	}
	c.amount = diff
	return c, nil
}

// String formats c with exactly Precision decimal places, e.g. "12.34".
func (c Currency) String() string {
	integer := strconv.FormatUint(c.Integer(), 10)
	if c.precision == 0 {
		return integer
	}
	return fmt.Sprintf("%s.%0*d", integer, int(c.precision), c.Fractional())
}

// the zero value behaves like precision 0
func (c Currency) divisor() uint64 {
	if c.div == 0 {
		return 1
	}
	return c.div
}

