package chain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoExpiry reports that no qualifying expiry exists within the supported
// horizon.
var ErrNoExpiry = errors.New("no qualifying expiry found")

// expiryHorizonDays bounds how far ahead the calendar is searched.
const expiryHorizonDays = 366

// ResolveExpiry selects the nearest qualifying expiry on or after date.
// Weekly series expire every Friday; monthly series expire on the third
// Friday of the month.
func ResolveExpiry(date time.Time, weekly bool) (time.Time, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	horizon := day.AddDate(0, 0, expiryHorizonDays)

	for d := day; !d.After(horizon); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Friday {
			continue
		}
		if weekly || isThirdFriday(d) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w for %s", ErrNoExpiry, day.Format("2006-01-02"))
}

// isThirdFriday reports whether d is the third Friday of its month. The
// third Friday always falls on day 15 through 21.
func isThirdFriday(d time.Time) bool {
	return d.Weekday() == time.Friday && d.Day() >= 15 && d.Day() <= 21
}
