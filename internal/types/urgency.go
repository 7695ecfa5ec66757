package types

import (
	"encoding/json"
	"strings"
)

// Urgency is an ordered notification level: Low < Normal < Critical.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParseUrgency maps "low", "normal" and "critical" (any case). Unknown values
// map to normal.
func ParseUrgency(s string) Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return UrgencyLow
	case "critical":
		return UrgencyCritical
	default:
		return UrgencyNormal
	}
}

// Max returns the higher of the two levels.
func (u Urgency) Max(other Urgency) Urgency {
	if other > u {
		return other
	}
	return u
}

func (u Urgency) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Urgency) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*u = ParseUrgency(s)
	return nil
}
