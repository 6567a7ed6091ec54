package model

import "fmt"

// Priority orders waiting jobs. Lower values are served first:
// High < Normal < Low. The zero value means "unset" and is treated as Normal.
type Priority int

// Priority levels in service order.
const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// ParsePriority converts a priority name to a Priority. The empty string maps
// to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// OrDefault returns p, or PriorityNormal when p is unset or out of range.
func (p Priority) OrDefault() Priority {
	if p < PriorityHigh || p > PriorityLow {
		return PriorityNormal
	}
	return p
}

// Before reports whether p is served before other.
func (p Priority) Before(other Priority) bool {
	return p.OrDefault() < other.OrDefault()
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.OrDefault().String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
