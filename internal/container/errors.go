package container

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSpec is returned when a container declaration cannot be acted on.
	ErrInvalidSpec = errors.New("invalid container spec")
	// ErrCreationFailed is returned when the backend did not define the container.
	ErrCreationFailed = errors.New("creation failed")
	// ErrStartFailed is returned when the container is not running after start.
	ErrStartFailed = errors.New("start failed")
	// ErrStopFailed is returned when the container is still running after stop.
	ErrStopFailed = errors.New("stop failed")
	// ErrRemovalFailed is returned when the container is still defined after removal.
	ErrRemovalFailed = errors.New("removal failed")
)

// OpError records a failed lifecycle operation of one container.
type OpError struct {
	Op        string
	Container string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Container, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (c *Container) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Container: c.name, Err: err}
}
