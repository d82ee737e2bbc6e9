package workload

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ArrivalKind is the normalized kind of a schedule string.
type ArrivalKind int

const (
	ArrivalCron ArrivalKind = iota
	ArrivalInterval
)

// Arrival describes when a scheduled job is resubmitted.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "*/10 * * * * *" (seconds), "@hourly", "@every 2s"
//   - Interval duration: "500ms", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Arrival struct {
	Kind  ArrivalKind
	Cron  string
	Every time.Duration
}

func (a Arrival) String() string {
	if a.Kind == ArrivalCron {
		return "cron:" + a.Cron
	}
	return "every:" + a.Every.String()
}

// cronParser accepts both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseArrival parses a schedule string into either a cron expression or an
// interval. Cron expressions are checked against the parser used at runtime.
func ParseArrival(raw string) (Arrival, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Arrival{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		return parseInterval(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Arrival{}, fmt.Errorf("interval must be > 0")
		}
		return Arrival{Kind: ArrivalInterval, Every: d}, nil
	}

	return Arrival{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '500ms')",
		raw,
	)
}

func parseCron(expr string) (Arrival, error) {
	if expr == "" {
		return Arrival{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Arrival{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Arrival{Kind: ArrivalCron, Cron: expr}, nil
}

func parseInterval(v string) (Arrival, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Arrival{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Arrival{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Arrival{}, fmt.Errorf("interval must be > 0")
		}
		return Arrival{Kind: ArrivalInterval, Every: d}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Arrival{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Arrival{}, fmt.Errorf("interval must be > 0")
	}
	return Arrival{Kind: ArrivalInterval, Every: d}, nil
}

// schedule converts a into a cron.Schedule. Intervals below one second are
// rounded up to one second by cron.Every.
func (a Arrival) schedule() (cron.Schedule, error) {
	if a.Kind == ArrivalInterval {
		return cron.Every(a.Every), nil
	}
	return cronParser.Parse(a.Cron)
}
