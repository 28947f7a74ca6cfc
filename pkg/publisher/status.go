package publisher

import "fmt"

// Status is the severity of a run. Values are ordered: a larger value is
// worse.
type Status int

const (
	// StatusOK means every attempted upload succeeded.
	StatusOK Status = iota
	// StatusUnstable means the run completed but something degraded it.
	StatusUnstable
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnstable:
		return "UNSTABLE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Worse returns the more severe of s and other.
func (s Status) Worse(other Status) Status {
	if other > s {
		return other
	}

	return s
}

// Fold reduces statuses to the most severe one. No statuses fold to
// StatusOK.
func Fold(statuses ...Status) Status {
	out := StatusOK
	for _, s := range statuses {
		out = out.Worse(s)
	}

	return out
}

// ParseStatus parses a status name as produced by String.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "OK":
		return StatusOK, nil
	case "UNSTABLE":
		return StatusUnstable, nil
	default:
		return StatusOK, fmt.Errorf("unknown status %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
