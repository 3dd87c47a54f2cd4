package hub

import "errors"

var (
	// ErrAlreadyPaired is returned when Connect targets a device paired to a
	// different user.
	ErrAlreadyPaired = errors.New("device is already paired")
	// ErrNotPaired is returned when Disconnect or signaling names a pairing
	// that does not exist.
	ErrNotPaired = errors.New("device is not paired")
	// ErrUnknownEntity marks a command that references a user or device that is
	// no longer registered. It is never surfaced to clients.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrStopped is returned by Handle methods once the hub's Run loop exited.
	ErrStopped = errors.New("hub stopped")
)
