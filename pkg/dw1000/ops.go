package dw1000

import "time"

// Speed selects the bus clock tier used for register transactions. The
// DW1000 must be accessed at the low tier until its clocks are stable,
// after which the high tier is safe.
type Speed int

const (
	SpeedLow  Speed = iota // configuration-safe rate (~3 MHz)
	SpeedHigh              // full rate (~20 MHz)
)

// Ops is the transport used to reach the radio chip. Implementations carry
// the bit-level bus access (typically SPI behind a USB bridge) and the
// sideband signals the driver needs: the interrupt line level and the chip
// reset. All methods are synchronous.
//
// Read and Write transfer a transaction header followed by payload bytes.
// The header encodes the register file ID and sub-address; see Device for
// the encoding.
type Ops interface {
	// Read sends header and fills data with the bytes clocked back.
	Read(header, data []byte) error
	// Write sends header followed by data.
	Write(header, data []byte) error
	// SetSpeed selects the bus clock tier for subsequent transactions.
	SetSpeed(speed Speed)
	// Delay blocks the caller for at least d.
	Delay(d time.Duration)
	// IRQLine reports whether the radio's interrupt line is currently
	// asserted. Used by the scheduler's drain loop.
	IRQLine() bool
	// Reset pulses the chip reset line.
	Reset() error
}
