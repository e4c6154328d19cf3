package models

import "fmt"

// Status is the consensus status of a vertex. Final and Rejected never change once reached.
type Status int

const (
	Pending Status = iota
	Accepted
	Rejected
	Final
)

var statusNames = map[Status]string{
	Pending:  "pending",
	Accepted: "accepted",
	Rejected: "rejected",
	Final:    "final",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) IsTerminal() bool {
	return s == Final || s == Rejected
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}
