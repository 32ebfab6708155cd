package broker

import (
	"errors"
	"fmt"

	"github.com/seantiz/sandbroker/internal/protocol"
)

var (
	// ErrBlocked matches every *BlockedError. A blocked request may be
	// resubmitted; it will run on a fresh executor.
	ErrBlocked = errors.New("executor blocked")

	// ErrClosed is returned after Close and used to reject requests that
	// were pending when the broker closed.
	ErrClosed = errors.New("broker closed")
)

// Reasons an executor generation is recycled.
const (
	ReasonDeadline = "deadline"
	ReasonChannel  = "channel"
	ReasonSpawn    = "spawn"
)

// BlockedError rejects every request of an executor generation that was
// terminated by the supervisor, lost its channel, or could not be spawned.
type BlockedError struct {
	Generation uint64
	Stage      protocol.Stage
	Reason     string
	Err        error
}

func (e *BlockedError) Error() string {
	switch {
	case e.Reason == ReasonDeadline:
		return fmt.Sprintf("executor generation %d blocked: %s deadline exceeded", e.Generation, e.Stage)
	case e.Err != nil:
		return fmt.Sprintf("executor generation %d blocked: %v", e.Generation, e.Err)
	default:
		return fmt.Sprintf("executor generation %d blocked: %s", e.Generation, e.Reason)
	}
}

// Is makes errors.Is(err, ErrBlocked) true.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

func (e *BlockedError) Unwrap() error {
	return e.Err
}

// ApplicationError carries a failure reported by the worker for a single
// request. Other requests are unaffected.
type ApplicationError struct {
	Kind    string
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Kind, e.Message)
}
