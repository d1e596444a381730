package mailparse

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// ErrUnparseable is returned when no date could be recovered from the
// given header material.
var ErrUnparseable = errors.New("unparseable date")

// Date parses an RFC 5322 Date header value.
func Date(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrUnparseable
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return time.Time{}, ErrUnparseable
	}
	return t, nil
}

// ReceivedDate recovers a timestamp from Received trace headers, which
// end in "; <date>". Headers are tried in order; the first parseable
// date wins.
func ReceivedDate(received []string) (time.Time, error) {
	for _, hdr := range received {
		idx := strings.LastIndex(hdr, ";")
		if idx < 0 {
			continue
		}
		if t, err := Date(hdr[idx+1:]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrUnparseable
}

// DateOrFallback applies the full fallback chain once: the Date header,
// then Received trace headers, then the current time. The returned
// string is the raw value that produced the result, suitable for
// storing as the record's date.
func DateOrFallback(dateHeader string, received []string, now func() time.Time) (time.Time, string) {
	if t, err := Date(dateHeader); err == nil {
		return t, dateHeader
	}
	if t, err := ReceivedDate(received); err == nil {
		return t, t.Format(time.RFC1123Z)
	}
	t := now()
	return t, t.Format(time.RFC1123Z)
}
