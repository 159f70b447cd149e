package eventbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority orders handlers that receive the same event.
// Handlers with a higher priority run first; handlers with equal priority run
// in registration order.
type Priority int8

const (
	PriorityLowest  Priority = -1
	PriorityLow     Priority = 0
	PriorityNormal  Priority = 1
	PriorityHigh    Priority = 2
	PriorityHighest Priority = 3
)

// DefaultPriority is used when a handler does not declare one.
const DefaultPriority = PriorityNormal

// String returns the priority name, or its numeric value for custom priorities.
func (p Priority) String() string {
	switch p {
	case PriorityLowest:
		return "lowest"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityHighest:
		return "highest"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority parses a priority name (case-insensitive) or an integer in the
// int8 range.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lowest":
		return PriorityLowest, nil
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "highest":
		return PriorityHighest, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}
