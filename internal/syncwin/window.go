// Package syncwin computes the date range an incremental fetch still
// needs, from the persisted resume heuristic and the caller's request.
package syncwin

import (
	"time"

	"github.com/lqian/mailpress/internal/mailparse"
)

// Window is a half-open [Since, Before) date range for a mailbox search.
type Window struct {
	Since  time.Time
	Before time.Time
}

// Request describes what the caller asked to fetch. Zero values mean
// unset; an empty request resolves to the current calendar month.
type Request struct {
	// Since/Before form an explicit range. When Since is set, resume
	// heuristics are skipped entirely: explicit requests mean "fetch
	// exactly this", and Message-ID deduplication downstream makes
	// re-fetching previously seen dates safe.
	Since  time.Time
	Before time.Time

	// Month requests one calendar month (any time within it).
	Month time.Time
}

// Resolve computes the fetch window for a request given the raw date
// header of the most recently stored record. The resume heuristic never
// advances the start finer than a month boundary: records do not arrive
// from the transport in strict date order, so month granularity is the
// finest resolution that cannot create gaps.
func Resolve(req Request, latestStored string, now time.Time) Window {
	today := startOfDay(now)

	var w Window
	explicit := false

	switch {
	case !req.Since.IsZero():
		explicit = true
		w.Since = startOfDay(req.Since)
		if !req.Before.IsZero() {
			w.Before = startOfDay(req.Before)
		} else {
			w.Before = today.AddDate(0, 0, 1)
		}

	case !req.Month.IsZero():
		w.Since = MonthStart(req.Month)
		w.Before = w.Since.AddDate(0, 1, 0)

	default:
		w.Since = MonthStart(today)
		w.Before = today.AddDate(0, 0, 1)
	}

	if explicit {
		return w
	}

	latest, err := mailparse.Date(latestStored)
	if err != nil {
		return w
	}

	ref := startOfDay(latest)
	if !ref.Before(w.Since) && ref.Before(w.Before) {
		w.Since = MonthStart(ref)
	}

	return w
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the first day of the month after t's.
func NextMonth(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// ResumeMonth picks the month a batch run should start from: the later
// of the requested start month and the month of the most recently
// stored record. Re-processing the latest stored month is deliberate;
// its tail may not have been fetched.
func ResumeMonth(requested time.Time, latestStored string) time.Time {
	start := MonthStart(requested)

	latest, err := mailparse.Date(latestStored)
	if err != nil {
		return start
	}

	if dbMonth := MonthStart(latest); dbMonth.After(start) {
		return dbMonth
	}
	return start
}

// BatchWindow computes the window for a catch-up run: from
// ResumeMonth of the requested start through the end of today. A zero
// startFrom means "wherever the store left off", falling back to the
// current month for an empty store.
func BatchWindow(startFrom time.Time, latestStored string, now time.Time) Window {
	before := startOfDay(now).AddDate(0, 0, 1)

	if startFrom.IsZero() {
		since := MonthStart(now)
		if latest, err := mailparse.Date(latestStored); err == nil {
			since = MonthStart(latest)
		}
		return Window{Since: since, Before: before}
	}

	return Window{
		Since:  ResumeMonth(startFrom, latestStored),
		Before: before,
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
