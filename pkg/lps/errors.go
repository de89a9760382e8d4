package lps

import "errors"

// Driver errors
var (
	// ErrNotInitialized indicates the driver has not completed hardware
	// bring-up; the operation was refused without side effects
	ErrNotInitialized = errors.New("loco deck is not initialized")

	// ErrAlreadyStarted indicates Start was called twice
	ErrAlreadyStarted = errors.New("driver is already started")

	// ErrMailboxFull indicates the LPP short-packet mailbox is at
	// capacity; the payload was dropped
	ErrMailboxFull = errors.New("LPP short packet mailbox is full")

	// ErrPayloadTooLarge indicates an LPP short payload exceeds
	// LppShortMaxPayload
	ErrPayloadTooLarge = errors.New("LPP short payload too large")

	// ErrEmptyRegistry indicates the registry builder produced no valid
	// algorithm entries
	ErrEmptyRegistry = errors.New("algorithm registry is empty")
)
