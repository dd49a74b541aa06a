package transnum

import (
	"fmt"
	"strconv"
	"time"
)

// Layout is the timestamp suffix of every transaction number (yyyyMMddHHmmss).
const Layout = "20060102150405"

// Number returns kiosk + reference + timestamp. The terminal correlates all
// stages of one payment by this value, so it is derived once per attempt.
func Number(kiosk int, reference string, at time.Time) string {
	return strconv.Itoa(kiosk) + reference + at.Format(Layout)
}

// Description returns the payment description sent with submitPayment.
func Description(kiosk int, reference string) string {
	return fmt.Sprintf("K%d%s", kiosk, reference)
}

// Timestamp extracts the creation time encoded at the end of a transaction number.
func Timestamp(number string, loc *time.Location) (time.Time, error) {
	if len(number) < len(Layout) {
		return time.Time{}, fmt.Errorf("transaction number %q too short", number)
	}
	if loc == nil {
		loc = time.Local
	}
	ts, err := time.ParseInLocation(Layout, number[len(number)-len(Layout):], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing transaction number timestamp: %w", err)
	}
	return ts, nil
}

// DateTime splits the transaction number timestamp into the date and time
// strings reported in pay details.
func DateTime(number string) (string, string) {
	ts, err := Timestamp(number, time.Local)
	if err != nil {
		return "", ""
	}
	return ts.Format("2006-01-02"), ts.Format("15:04:05")
}
