package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"spotifreak/internal/config"
)

// SpecKind describes the normalized kind of a parsed schedule.
type SpecKind int

const (
	SpecInterval SpecKind = iota
	SpecCron
)

// Spec is a sync schedule normalized for next-run computation.
//
// Supported interval forms:
//   - Go duration: "55m", "2h30m"
//   - compound with days: "1d", "2d12h"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Cron expressions use the standard 5-field form with an optional leading
// seconds field, plus descriptors ("@hourly", "@every 55m").
type Spec struct {
	Kind  SpecKind
	Every time.Duration
	Cron  cron.Schedule
	Expr  string
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reCompound = regexp.MustCompile(`^(\d+)d(.*)$`)
)

// ParseSchedule normalizes a descriptor schedule into a Spec. Exactly one of
// the interval and cron variants must be set; Validate on the config enforces
// that before parsing.
func ParseSchedule(s config.Schedule) (Spec, error) {
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	if v := strings.TrimSpace(s.Cron); v != "" {
		sched, err := cronParser.Parse(v)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid cron expression %q: %w", v, err)
		}
		return Spec{Kind: SpecCron, Cron: sched, Expr: v}, nil
	}
	d, err := ParseInterval(s.Interval)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: SpecInterval, Every: d, Expr: s.Interval}, nil
}

// ParseInterval parses an interval string in any of the supported forms.
func ParseInterval(raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	if m := reCompound.FindStringSubmatch(v); m != nil {
		var days int
		for i := 0; i < len(m[1]); i++ {
			days = days*10 + int(m[1][i]-'0')
		}
		d := time.Duration(days) * 24 * time.Hour
		if rest := strings.TrimSpace(m[2]); rest != "" {
			tail, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("invalid interval %q (use HH:MM, Go duration like '55m', or compound like '2d12h')", raw)
			}
			d += tail
		}
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM, Go duration like '55m', or compound like '2d12h')", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
