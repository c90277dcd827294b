// Package cron parses, validates and renders the five-field cron syntax
// accepted for scheduled jobs, including the @-macros.
//
// Macros are expanded into concrete minute/hour/day values that are
// randomized per job identity: the same tool and job name always land on the
// same time, while different jobs are spread across the hour/day.
package cron

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Expression is a parsed cron schedule.
//
// Text keeps what the user actually typed (possibly a macro). The five
// fields hold the resolved values that end up in the CronJob spec.
type Expression struct {
	Text      string `json:"text" yaml:"text"`
	Minute    string `json:"minute" yaml:"minute"`
	Hour      string `json:"hour" yaml:"hour"`
	Day       string `json:"day" yaml:"day"`
	Month     string `json:"month" yaml:"month"`
	DayOfWeek string `json:"day_of_week" yaml:"day_of_week"`
}

// field describes the allowed range of one cron position.
type field struct {
	min     int
	max     int
	mapping map[string]string
}

// macroOrder keeps the error message listing stable.
var macroOrder = []string{"@hourly", "@daily", "@weekly", "@monthly", "@yearly"}

var macros = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 0 * * *",
	"@weekly":  "0 0 * * 0",
	"@monthly": "0 0 1 * *",
	"@yearly":  "0 0 1 1 *",
}

var fields = [5]field{
	{min: 0, max: 59},
	{min: 0, max: 23},
	{min: 1, max: 31},
	{min: 1, max: 12},
	{
		min: 0,
		max: 6,
		mapping: map[string]string{
			// 7 and sun are both Sunday
			"7":   "0",
			"sun": "0",
			"mon": "1",
			"tue": "2",
			"wed": "3",
			"thu": "4",
			"fri": "5",
			"sat": "6",
		},
	},
}

// Parse validates value and resolves it into an Expression. jobName and
// toolName seed the randomization of macro-derived fields.
func Parse(value, jobName, toolName string) (*Expression, error) {
	var parts []string

	if strings.HasPrefix(value, "@") {
		mapped, ok := macros[value]
		if !ok {
			return nil, newParseError(value, "Invalid at-macro '%s', supported macros are: %s",
				value, strings.Join(macroOrder, ", "))
		}
		parts = strings.Split(mapped, " ")

		rng := seededRand(toolName + " " + jobName)
		for i, f := range fields {
			if parts[i] == "*" {
				continue
			}
			parts[i] = fmt.Sprint(f.min + rng.IntN(f.max-f.min+1))
		}
	} else {
		parts = splitFields(strings.ToLower(value))
		if len(parts) != 5 {
			return nil, newParseError(value, "Expected to find 5 space-separated values, found %d", len(parts))
		}
		for i, f := range fields {
			if err := checkValue(value, parts[i], f); err != nil {
				return nil, err
			}
		}
	}

	return fromParts(value, parts), nil
}

// FromRuntime rebuilds an expression from the schedule stored on a live
// CronJob. The cluster value is trusted: only the field count is checked.
func FromRuntime(actual, configured string) (*Expression, error) {
	parts := splitFields(strings.TrimSpace(actual))
	if len(parts) != 5 {
		return nil, &RuntimeError{
			Actual:  actual,
			Message: fmt.Sprintf("expected to find 5 space-separated values, found %d", len(parts)),
		}
	}
	return fromParts(configured, parts), nil
}

// String renders the resolved fields as a cron spec.
func (e *Expression) String() string {
	return strings.Join([]string{e.Minute, e.Hour, e.Day, e.Month, e.DayOfWeek}, " ")
}

// Next returns the first fire time strictly after from.
func (e *Expression) Next(from time.Time) (time.Time, error) {
	sched, err := e.schedule()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.UTC()), nil
}

// NextN returns the next count fire times after from.
func (e *Expression) NextN(from time.Time, count int) ([]time.Time, error) {
	sched, err := e.schedule()
	if err != nil {
		return nil, err
	}

	times := make([]time.Time, 0, count)
	t := from.UTC()
	for i := 0; i < count; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		times = append(times, t)
	}
	return times, nil
}

func (e *Expression) schedule() (robfig.Schedule, error) {
	// robfig only accepts 0-6 for the weekday, Kubernetes also accepts 7
	dow := strings.Split(e.DayOfWeek, ",")
	for i, entry := range dow {
		if entry == "7" {
			dow[i] = "0"
		}
	}
	spec := strings.Join([]string{e.Minute, e.Hour, e.Day, e.Month, strings.Join(dow, ",")}, " ")

	sched, err := robfig.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate cron schedule %q: %w", spec, err)
	}
	return sched, nil
}

func fromParts(text string, parts []string) *Expression {
	return &Expression{
		Text:      text,
		Minute:    parts[0],
		Hour:      parts[1],
		Day:       parts[2],
		Month:     parts[3],
		DayOfWeek: parts[4],
	}
}

func splitFields(value string) []string {
	var parts []string
	for _, part := range strings.Split(value, " ") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// seededRand returns a generator that is deterministic for the given seed.
// It is local to the call, so nothing else sees the fixed seed.
func seededRand(seed string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
}

func checkValue(value, part string, f field) error {
	for _, entry := range strings.Split(part, ",") {
		step := ""

		if strings.Contains(entry, "-") {
			if strings.Contains(entry, "/") {
				return newParseError(value, "Step syntax is not supported with ranges")
			}
		} else if before, after, found := strings.Cut(entry, "/"); found {
			entry, step = before, after
		}

		if start, end, found := strings.Cut(entry, "-"); found {
			startInt, err := strconv.Atoi(start)
			if err != nil {
				return newParseError(value, "Unable to parse '%s' as an integer", start)
			}
			endInt, err := strconv.Atoi(end)
			if err != nil {
				return newParseError(value, "Unable to parse '%s' as an integer", end)
			}

			switch {
			case startInt > endInt:
				return newParseError(value, "End value %d must be smaller than start value %d", endInt, startInt)
			case startInt < f.min:
				return newParseError(value, "Start value %d must be at least %d", startInt, f.min)
			case endInt > f.max:
				return newParseError(value, "End value %d must be at most %d", endInt, f.max)
			}
		} else if entry != "*" {
			if mapped, ok := f.mapping[entry]; ok {
				entry = mapped
			}

			n, err := strconv.Atoi(entry)
			if err != nil {
				return newParseError(value, "Unable to parse '%s' as an integer", entry)
			}
			if n < f.min || n > f.max {
				return newParseError(value, "Invalid value '%s', expected %d-%d", entry, f.min, f.max)
			}
		}

		if step != "" {
			n, err := strconv.Atoi(step)
			if err != nil {
				return newParseError(value, "Unable to parse '%s' (from '%s') as an integer", step, entry)
			}
			if n == 0 || n < f.min || n > f.max {
				return newParseError(value, "Invalid step value in '%s'", entry)
			}
		}
	}
	return nil
}
