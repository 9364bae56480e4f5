package market

import "fmt"

// InvariantError reports data that violates a domain invariant. It is a
// programming defect, never a recoverable runtime condition: callers must
// surface it and halt the producing component instead of coercing the data.
type InvariantError struct {
	Component string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// Invariantf builds an InvariantError with a formatted detail message.
func Invariantf(component, format string, args ...any) *InvariantError {
	return &InvariantError{Component: component, Detail: fmt.Sprintf(format, args...)}
}

// SequenceGapError reports an order-book delta whose sequence number does not
// follow the last applied one. A gap means the consumer missed deltas and
// must resynchronize from a fresh snapshot.
type SequenceGapError struct {
	Want uint64
	Got  uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("book delta sequence gap: want %d, got %d", e.Want, e.Got)
}

// ProtocolError reports a malformed or out-of-sequence wire message. The
// transport layer does not retry these; the store answers with a resync.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
