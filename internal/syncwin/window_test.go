package syncwin

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolveDefaultMonthWithResume(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		latest string
		want   Window
	}{
		{
			name:   "no stored data: current month through tomorrow",
			latest: "",
			want:   Window{Since: date(2024, 3, 1), Before: date(2024, 3, 16)},
		},
		{
			name:   "latest inside window resumes at its month start",
			latest: "Tue, 05 Mar 2024 09:00:00 +0000",
			want:   Window{Since: date(2024, 3, 1), Before: date(2024, 3, 16)},
		},
		{
			name:   "latest outside window leaves request untouched",
			latest: "Mon, 05 Feb 2024 09:00:00 +0000",
			want:   Window{Since: date(2024, 3, 1), Before: date(2024, 3, 16)},
		},
		{
			name:   "unparseable latest ignored",
			latest: "not a date",
			want:   Window{Since: date(2024, 3, 1), Before: date(2024, 3, 16)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(Request{}, tt.latest, now)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveMonthRequest(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	got := Resolve(Request{Month: date(2021, 6, 20)}, "", now)
	want := Window{Since: date(2021, 6, 1), Before: date(2021, 7, 1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}

	// A stored record inside the requested month resumes at the month
	// start, which for a single-month request is already the start.
	got = Resolve(Request{Month: date(2021, 6, 1)}, "Tue, 15 Jun 2021 09:00:00 +0000", now)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() with resume mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveExplicitRangeSkipsResume(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	req := Request{Since: date(2021, 1, 10), Before: date(2021, 2, 10)}

	// Even with stored data inside the window, an explicit range is
	// fetched exactly as requested.
	got := Resolve(req, "Wed, 20 Jan 2021 09:00:00 +0000", now)
	want := Window{Since: date(2021, 1, 10), Before: date(2021, 2, 10)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveExplicitSinceWithoutBefore(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	got := Resolve(Request{Since: date(2024, 3, 1)}, "", now)
	want := Window{Since: date(2024, 3, 1), Before: date(2024, 3, 16)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveIdempotent(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	req := Request{Month: date(2021, 6, 1)}
	latest := "Tue, 15 Jun 2021 09:00:00 +0000"

	first := Resolve(req, latest, now)
	second := Resolve(req, latest, now)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Resolve() not idempotent (-first +second):\n%s", diff)
	}
}

func TestNextMonth(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{date(2021, 6, 15), date(2021, 7, 1)},
		{date(2021, 12, 31), date(2022, 1, 1)},
	}
	for _, tt := range tests {
		if got := NextMonth(tt.in); !got.Equal(tt.want) {
			t.Errorf("NextMonth(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBatchWindow(t *testing.T) {
	now := date(2011, 11, 20)

	// Explicit start behind the store resumes at the stored month.
	got := BatchWindow(date(2011, 1, 1), "Mon, 15 Aug 2011 09:00:00 +0800", now)
	want := Window{Since: date(2011, 8, 1), Before: date(2011, 11, 21)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BatchWindow mismatch (-want +got):\n%s", diff)
	}

	// No explicit start resumes from wherever the store left off.
	got = BatchWindow(time.Time{}, "Mon, 15 Aug 2011 09:00:00 +0800", now)
	if !got.Since.Equal(date(2011, 8, 1)) {
		t.Errorf("zero start should resume from stored month, got %v", got.Since)
	}

	// Empty store and no explicit start falls back to the current month.
	got = BatchWindow(time.Time{}, "", now)
	if !got.Since.Equal(date(2011, 11, 1)) {
		t.Errorf("empty store should start at current month, got %v", got.Since)
	}
	if !got.Before.Equal(date(2011, 11, 21)) {
		t.Errorf("batch window should run through today, got %v", got.Before)
	}
}

func TestResumeMonth(t *testing.T) {
	requested := date(2011, 1, 1)

	// Stored data ahead of the request jumps the start forward.
	got := ResumeMonth(requested, "Mon, 15 Aug 2011 09:00:00 +0800")
	if !got.Equal(date(2011, 8, 1)) {
		t.Errorf("ResumeMonth = %v, want 2011-08-01", got)
	}

	// Stored data behind the request leaves it alone.
	got = ResumeMonth(requested, "Fri, 15 Jan 2010 09:00:00 +0800")
	if !got.Equal(requested) {
		t.Errorf("ResumeMonth = %v, want %v", got, requested)
	}

	// No stored data leaves it alone.
	got = ResumeMonth(requested, "")
	if !got.Equal(requested) {
		t.Errorf("ResumeMonth = %v, want %v", got, requested)
	}
}
