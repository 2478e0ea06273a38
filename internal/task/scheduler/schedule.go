package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"aide/internal/storage"
)

// Kind is the normalized schedule kind.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// KindFromString maps a stored kind string back to a Kind.
func KindFromString(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cron":
		return KindCron, nil
	case "interval", "every":
		return KindInterval, nil
	case "once", "in":
		return KindOnce, nil
	default:
		return 0, fmt.Errorf("unknown schedule kind %q", s)
	}
}

// Schedule is a parsed, validated schedule string.
//
// Supported forms:
//   - Cron (5-field, crontab.guru-style): "*/5 * * * *", "0 7 * * 1-5", "@hourly"
//   - Interval: "every 2h", "2h30m", "00:50" (HH:MM read as hours:minutes)
//   - One-shot delay: "in 20m"
//
// A zero-length interval or delay is rejected; no job may tick continuously.
type Schedule struct {
	Kind  Kind
	Expr  string        // original string, kept for persistence
	Cron  cron.Schedule // set for KindCron
	Every time.Duration // set for KindInterval
	Delay time.Duration // set for KindOnce
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse parses and validates a schedule string. Cron expressions are checked
// with the same parser the tick loop uses, so a schedule that parses here
// never fails later.
func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	if strings.HasPrefix(low, "cron:") {
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	}
	if rest, ok := strings.CutPrefix(low, "every "); ok {
		d, err := parseInterval(rest)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindInterval, Expr: raw, Every: d}, nil
	}
	if rest, ok := strings.CutPrefix(low, "in "); ok {
		d, err := parseInterval(rest)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindOnce, Expr: raw, Delay: d}, nil
	}

	// Anything with inner whitespace or an @-directive is cron territory.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindInterval, Expr: raw, Every: d}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: KindInterval, Expr: raw, Every: d}, nil
	}

	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', 'every 2h', HH:MM, or 'in 20m')", raw)
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: raw, Cron: sched}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMM(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMM(v string) (time.Duration, error) {
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

// NextRun computes when the job should fire next, strictly by kind:
//
//   - Cron: the next cron match strictly after now.
//   - Interval: lastRunAt + interval, anchored to now for a job that has
//     never run.
//   - Once: createdAt + delay; a once job whose instant already passed and
//     that never ran is due immediately.
func NextRun(sched Schedule, j storage.Job, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	switch sched.Kind {
	case KindCron:
		return sched.Cron.Next(now.In(loc))
	case KindInterval:
		base := j.LastRunAt
		if base.IsZero() {
			base = now
		}
		return base.Add(sched.Every)
	case KindOnce:
		created := j.CreatedAt
		if created.IsZero() {
			created = now
		}
		at := created.Add(sched.Delay)
		if at.Before(now) && j.LastRunAt.IsZero() {
			return now
		}
		return at
	default:
		return time.Time{}
	}
}
