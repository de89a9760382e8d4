// Package lps implements the scheduling core of the Loco Positioning
// System tag driver: the interrupt-to-task handoff, the guard serializing
// access to the active ranging algorithm, the ranging-mode state machine
// with automatic algorithm discovery, and the LPP short-packet mailbox.
package lps

import (
	"time"

	"github.com/herlein/goloco/pkg/dw1000"
)

// Mode identifies a ranging algorithm. ModeAuto is a selection sentinel:
// it is a valid value for the requested mode but never a registry key, and
// the cyclic advance during automatic discovery skips it.
type Mode uint8

const (
	ModeAuto  Mode = 0
	ModeTWR   Mode = 1
	ModeTDoA2 Mode = 2
	ModeTDoA3 Mode = 3

	// NumModes counts the concrete algorithm variants.
	NumModes = 3
)

// DefaultMode is the deterministic starting point for automatic discovery
// and the fallback for invalid manual selections.
const DefaultMode = ModeTDoA2

// SwitchPeriod is how long automatic discovery lets an algorithm run
// before checking its health and moving on.
const SwitchPeriod = time.Second

// Valid reports whether m names a concrete algorithm (the auto sentinel is
// not valid as a registry key).
func (m Mode) Valid() bool {
	return m >= ModeTWR && m <= Mode(NumModes)
}

// String returns the display name used in diagnostics.
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeTWR:
		return "TWR"
	case ModeTDoA2:
		return "TDoA2"
	case ModeTDoA3:
		return "TDoA3"
	}
	return "invalid"
}

// nextMode advances cyclically through the concrete variants, wrapping
// past the last one back to the first. Slot 0 is the auto sentinel and is
// deliberately never produced.
func nextMode(m Mode) Mode {
	if m+1 > Mode(NumModes) {
		return ModeTWR
	}
	return m + 1
}

// Event is the kind of occurrence dispatched to the active algorithm.
type Event int

const (
	// EventPacketSent reports a completed transmission, decoded from the
	// hardware status.
	EventPacketSent Event = iota
	// EventPacketReceived reports a good received frame.
	EventPacketReceived
	// EventReceiveTimeout reports an elapsed receiver timeout in the
	// chip itself.
	EventReceiveTimeout
	// EventTimeout is synthetic: the scheduler dispatches it when its own
	// wait bound elapses without an interrupt, and once immediately after
	// every algorithm (re)initialization to obtain the first poll timeout.
	EventTimeout
)

// Point is an anchor position in meters.
type Point struct {
	X float32
	Y float32
	Z float32
}

// Algorithm is the capability set every ranging strategy implements. The
// scheduler serializes all calls through its guard; implementations need
// no internal locking.
type Algorithm interface {
	// Init arms the algorithm against the radio. Called immediately
	// before first use and again on every mode switch.
	Init(dev *dw1000.Device)
	// OnEvent handles one occurrence and returns the maximum time the
	// scheduler may wait before re-evaluating state.
	OnEvent(dev *dw1000.Device, ev Event) time.Duration
	// RangingOK reports whether the algorithm is successfully ranging.
	// Consulted only during automatic discovery.
	RangingOK() bool
	// AnchorPosition returns the known position of an anchor, if any.
	AnchorPosition(id uint8) (Point, bool)
}

// AlgorithmDescriptor pairs an algorithm implementation with its display
// name. Immutable after registration.
type AlgorithmDescriptor struct {
	Algorithm Algorithm
	Name      string
}

// Registry maps each concrete Mode to its descriptor. Populated once when
// the driver is constructed, read-only thereafter.
type Registry map[Mode]AlgorithmDescriptor

// Host is the driver surface algorithms may use during their own
// processing: the outgoing short-packet mailbox and the ranging-state
// scalar exposed to telemetry.
type Host interface {
	// GetLppShort pops the next queued outgoing LPP short packet, if any.
	GetLppShort() (LppShortPacket, bool)
	// RangingState returns the anchor ranging bitfield.
	RangingState() uint16
	// SetRangingState replaces the anchor ranging bitfield.
	SetRangingState(state uint16)
}

// RegistryBuilder constructs the algorithm registry against a driver. The
// indirection exists because algorithms consume driver services (the
// mailbox) while the driver owns the registry.
type RegistryBuilder func(Host) Registry
