// Package timer implements durable timer scheduling: parsing ISO-8601
// timer definitions and firing persisted timer records exactly once.
package timer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a timer definition
type Kind string

const (
	KindDuration Kind = "duration" // PT1H
	KindCycle    Kind = "cycle"    // R3/PT10M
	KindDate     Kind = "date"     // 2026-01-02T15:04:05Z
)

// Definition is a parsed timer definition
type Definition struct {
	Kind     Kind
	Interval time.Duration
	Date     time.Time

	// Repetitions is the cycle count; -1 means unbounded ("R/PT10M").
	Repetitions int
}

// Parse interprets an ISO-8601 timer definition
func Parse(raw string) (*Definition, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty timer definition")
	}

	switch {
	case strings.HasPrefix(s, "R"):
		return parseCycle(s)
	case strings.HasPrefix(s, "P"):
		d, err := parseDuration(s)
		if err != nil {
			return nil, err
		}
		return &Definition{Kind: KindDuration, Interval: d}, nil
	default:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("timer definition %q is neither a duration, cycle nor date", raw)
		}
		return &Definition{Kind: KindDate, Date: t}, nil
	}
}

// NextFire computes the first fire time from now
func (d *Definition) NextFire(now time.Time) time.Time {
	if d.Kind == KindDate {
		return d.Date
	}
	return now.Add(d.Interval)
}

func parseCycle(s string) (*Definition, error) {
	head, rest, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("cycle timer %q missing '/'", s)
	}

	reps := -1
	if len(head) > 1 {
		n, err := strconv.Atoi(head[1:])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("cycle timer %q has invalid repetition count", s)
		}
		reps = n
	}

	d, err := parseDuration(rest)
	if err != nil {
		return nil, err
	}
	return &Definition{Kind: KindCycle, Interval: d, Repetitions: reps}, nil
}

// parseDuration handles P[nW] | P[nD][T[nH][nM][nS]]. Months and years
// are rejected because their length is calendar-dependent.
func parseDuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("duration %q must start with P", s)
	}
	body := s[1:]
	if body == "" {
		return 0, fmt.Errorf("duration %q is empty", s)
	}

	datePart, timePart, _ := strings.Cut(body, "T")

	var total time.Duration
	consume := func(part string, units map[byte]time.Duration, order string) error {
		for part != "" {
			i := 0
			for i < len(part) && (part[i] >= '0' && part[i] <= '9' || part[i] == '.') {
				i++
			}
			if i == 0 || i == len(part) {
				return fmt.Errorf("malformed duration %q", s)
			}
			n, err := strconv.ParseFloat(part[:i], 64)
			if err != nil {
				return fmt.Errorf("malformed duration %q: %w", s, err)
			}
			unit, ok := units[part[i]]
			if !ok {
				return fmt.Errorf("duration %q uses unsupported unit %q", s, string(part[i]))
			}
			if !strings.ContainsRune(order, rune(part[i])) {
				return fmt.Errorf("duration %q repeats or misorders unit %q", s, string(part[i]))
			}
			order = order[strings.IndexByte(order, part[i])+1:]
			total += time.Duration(n * float64(unit))
			part = part[i+1:]
		}
		return nil
	}

	if err := consume(datePart, map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}, "WD"); err != nil {
		return 0, err
	}
	if err := consume(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}, "HMS"); err != nil {
		return 0, err
	}

	if total <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return total, nil
}
