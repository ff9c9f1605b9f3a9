package ports

import "fmt"

// RangeError reports an inverted port range.
type RangeError struct {
	Start int
	End   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid port range %d-%d", e.Start, e.End)
}

// ExhaustedError reports that no free port could be found in a range.
// Last carries the most recent bind failure, if any.
type ExhaustedError struct {
	Start int
	End   int
	Host  string
	Last  error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("could not find a free port between %d and %d on host %s, last error: %v",
			e.Start, e.End, e.Host, e.Last)
	}
	return fmt.Sprintf("could not find a free port between %d and %d on host %s",
		e.Start, e.End, e.Host)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ConflictError reports a strict reservation that could not be honored.
type ConflictError struct {
	Port     int
	Protocol string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s port %d: %s", e.Protocol, e.Port, e.Reason)
}
