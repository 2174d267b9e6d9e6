package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// stageDurationRe is the constrained grammar for stage dwell times. Only
// whole minutes and hours are meaningful at rollout granularity; anything
// finer is a config mistake.
var stageDurationRe = regexp.MustCompile(`^(\d+)(m|h)$`)

// Duration is a stage dwell time parsed from the "<N>(m|h)" grammar.
// "0m" is valid and marks a stage with no minimum dwell (the terminal
// 100% stage uses it).
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	std := time.Duration(d)
	if std%time.Hour == 0 {
		return fmt.Sprintf("%dh", std/time.Hour)
	}
	return fmt.Sprintf("%dm", std/time.Minute)
}

// ParseStageDuration parses "<N>m" or "<N>h". Any other form is rejected.
func ParseStageDuration(s string) (Duration, error) {
	m := stageDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: must match ^\\d+(m|h)$", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	unit := time.Minute
	if m[2] == "h" {
		unit = time.Hour
	}
	return Duration(time.Duration(n) * unit), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseStageDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseStageDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
