package monthkey

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidKey = errors.New("invalid month key")

// Key identifies one calendar month ("2025-07"). Usage rows are partitioned
// by Key; a rollover creates a new row rather than resetting the old one.
type Key struct {
	year  int
	month time.Month
}

// Parse converts a "YYYY-MM" string into a Key.
func Parse(s string) (Key, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key{year: t.Year(), month: t.Month()}, nil
}

// Of returns the Key containing the provided instant, evaluated in UTC.
func Of(t time.Time) Key {
	t = t.UTC()
	return Key{year: t.Year(), month: t.Month()}
}

// Current returns the Key for the present UTC month.
func Current() Key {
	return Of(time.Now())
}

func (k Key) String() string {
	return fmt.Sprintf("%04d-%02d", k.year, int(k.month))
}

// MarshalText renders the key in its "YYYY-MM" wire form, so JSON payloads
// carry the month as a string rather than an opaque struct.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "YYYY-MM" wire form.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsZero reports whether the key was never initialized.
func (k Key) IsZero() bool {
	return k.year == 0 && k.month == 0
}

// Start returns the first instant of the month in UTC.
func (k Key) Start() time.Time {
	return time.Date(k.year, k.month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the exclusive upper bound of the month in UTC.
func (k Key) End() time.Time {
	return k.Start().AddDate(0, 1, 0)
}

// Contains reports whether t falls inside this calendar month.
func (k Key) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(k.Start()) && t.Before(k.End())
}

// Next returns the following calendar month.
func (k Key) Next() Key {
	return Of(k.Start().AddDate(0, 1, 0))
}

// Prev returns the preceding calendar month.
func (k Key) Prev() Key {
	return Of(k.Start().AddDate(0, -1, 0))
}

// Before reports chronological ordering between keys.
func (k Key) Before(other Key) bool {
	if k.year != other.year {
		return k.year < other.year
	}
	return k.month < other.month
}

// Sub returns the number of whole months from other to k (k - other).
func (k Key) Sub(other Key) int {
	return (k.year-other.year)*12 + int(k.month-other.month)
}
