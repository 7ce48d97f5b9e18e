// Package money holds currency amounts as integer minor units so that tariffs
// can be accumulated without floating point drift.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Amount is a signed number of minor currency units (cents).
type Amount int64

var ErrInvalid = errors.New("invalid money amount")

// FromFloat converts a decimal currency value, rounding half away from zero.
// Only used at configuration boundaries.
func FromFloat(f float64) Amount {
	return Amount(math.Round(f * 100))
}

// Cents builds an Amount from minor units.
func Cents(c int64) Amount {
	return Amount(c)
}

// Parse reads a decimal string with at most two fractional digits, e.g. "4.00", "-3", "0.5".
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, ErrInvalid
	}
	if hasFrac && frac == "" {
		return 0, ErrInvalid
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: %q has more than two fractional digits", ErrInvalid, s)
	}

	w, err := digits(whole)
	if err != nil {
		return 0, err
	}
	for len(frac) < 2 {
		frac += "0"
	}
	f, err := digits(frac)
	if err != nil {
		return 0, err
	}
	if w > (math.MaxInt64-f)/100 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalid, s)
	}

	v := w*100 + f
	if neg {
		v = -v
	}
	return Amount(v), nil
}

func digits(s string) (int64, error) {
	var v int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: unexpected %q", ErrInvalid, r)
		}
		if v > (math.MaxInt64-int64(r-'0'))/10 {
			return 0, fmt.Errorf("%w: overflow", ErrInvalid)
		}
		v = v*10 + int64(r-'0')
	}
	return v, nil
}

func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Mul scales a per-unit amount by a whole count.
func (a Amount) Mul(n int) Amount {
	return a * Amount(n)
}

func (a Amount) Float64() float64 {
	return float64(a) / 100
}

func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return ErrInvalid
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Scan reads a NUMERIC(10,2) column.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		p, err := Parse(v)
		if err != nil {
			return err
		}
		*a = p
	case []byte:
		p, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = p
	case int64:
		*a = Amount(v * 100)
	case float64:
		*a = FromFloat(v)
	case nil:
		return fmt.Errorf("%w: NULL", ErrInvalid)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalid, src)
	}
	return nil
}

func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// NullAmount is an Amount that may be absent, e.g. the cost of a ride that has not ended.
type NullAmount struct {
	Amount Amount
	Valid  bool
}

func Some(a Amount) NullAmount {
	return NullAmount{Amount: a, Valid: true}
}

func (n *NullAmount) Scan(src any) error {
	if src == nil {
		*n = NullAmount{}
		return nil
	}
	n.Valid = true
	return n.Amount.Scan(src)
}

func (n NullAmount) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Amount.Value()
}

func (n NullAmount) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return n.Amount.MarshalJSON()
}
