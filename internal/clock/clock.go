// Package clock abstracts wall-clock time so expiry decisions can be
// tested deterministically.
package clock

import "time"

// Clock supplies the current time to components that enforce expiry.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}
