package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is an ordered clinical-risk tier.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityModerate
	SeverityMajor
	SeveritySevere
)

var severityNames = [...]string{"none", "minor", "moderate", "major", "severe"}

// AllSeverities lists the tiers in ascending order.
var AllSeverities = []Severity{SeverityNone, SeverityMinor, SeverityModerate, SeverityMajor, SeveritySevere}

func (s Severity) String() string {
	if s < SeverityNone || s > SeveritySevere {
		return "unknown"
	}
	return severityNames[s]
}

// Promote raises the tier by one level, capped at severe.
func (s Severity) Promote() Severity {
	if s >= SeveritySevere {
		return SeveritySevere
	}
	return s + 1
}

// AtLeast reports whether s is at or above the threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s >= threshold
}

// ParseSeverity accepts the canonical names plus a few aliases used by
// curated sources ("contraindicated", "high", "low").
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return SeverityNone, nil
	case "minor", "low":
		return SeverityMinor, nil
	case "moderate", "medium":
		return SeverityModerate, nil
	case "major", "high":
		return SeverityMajor, nil
	case "severe", "contraindicated", "critical":
		return SeveritySevere, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", value)
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n int
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return err
		}
		if n < int(SeverityNone) || n > int(SeveritySevere) {
			return fmt.Errorf("severity %d out of range", n)
		}
		*s = Severity(n)
		return nil
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
