package scheduler

import (
	"testing"
	"time"

	"spotifreak/internal/config"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		sched    config.Schedule
		kind     SpecKind
		duration time.Duration
	}{
		{name: "duration", sched: config.Schedule{Interval: "10m"}, kind: SpecInterval, duration: 10 * time.Minute},
		{name: "hhmm", sched: config.Schedule{Interval: "01:30"}, kind: SpecInterval, duration: 90 * time.Minute},
		{name: "days", sched: config.Schedule{Interval: "2d"}, kind: SpecInterval, duration: 48 * time.Hour},
		{name: "days compound", sched: config.Schedule{Interval: "1d12h30m"}, kind: SpecInterval, duration: 36*time.Hour + 30*time.Minute},
		{name: "cron", sched: config.Schedule{Cron: "*/5 * * * *"}, kind: SpecCron},
		{name: "cron descriptor", sched: config.Schedule{Cron: "@hourly"}, kind: SpecCron},
		{name: "cron seconds", sched: config.Schedule{Cron: "30 */5 * * * *"}, kind: SpecCron},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.sched)
			if err != nil {
				t.Fatalf("ParseSchedule(%+v) error: %v", tt.sched, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron == nil {
				t.Fatal("cron schedule not parsed")
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		sched config.Schedule
	}{
		{name: "empty", sched: config.Schedule{}},
		{name: "both variants", sched: config.Schedule{Interval: "5m", Cron: "@hourly"}},
		{name: "garbage interval", sched: config.Schedule{Interval: "not-a-duration"}},
		{name: "zero interval", sched: config.Schedule{Interval: "0s"}},
		{name: "negative interval", sched: config.Schedule{Interval: "-5m"}},
		{name: "bad minutes", sched: config.Schedule{Interval: "01:75"}},
		{name: "garbage cron", sched: config.Schedule{Cron: "every tuesday"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseSchedule(tt.sched); err == nil {
				t.Fatalf("expected error for %+v", tt.sched)
			}
		})
	}
}

func TestCronNextComputation(t *testing.T) {
	t.Parallel()
	spec, err := ParseSchedule(config.Schedule{Cron: "0 * * * *"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := spec.Cron.Next(at)
	if !next.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("next after exact match must be strictly later, got %v", next)
	}
}
