package dw1000

import "time"

// Register file IDs (DW1000 user manual, chapter 7)
const (
	RegDevID     = 0x00 // Device identifier
	RegEUI       = 0x01 // Extended unique identifier
	RegPanAddr   = 0x03 // PAN identifier and short address
	RegSysCfg    = 0x04 // System configuration
	RegTxFCtrl   = 0x08 // Transmit frame control
	RegTxBuffer  = 0x09 // Transmit data buffer
	RegDxTime    = 0x0A // Delayed send/receive time
	RegRxFWTO    = 0x0C // Receive frame wait timeout
	RegSysCtrl   = 0x0D // System control
	RegSysMask   = 0x0E // System event mask
	RegSysStatus = 0x0F // System event status
	RegRxFInfo   = 0x10 // Receive frame information
	RegRxBuffer  = 0x11 // Receive data buffer
	RegTxAntd    = 0x18 // Transmit antenna delay
	RegChanCtrl  = 0x1F // Channel control
	RegPMSCCtrl  = 0x36 // Power management and system control
)

// Expected value of the DEV_ID register for a DW1000
const ExpectedDeviceID = 0xDECA0130

// SYS_STATUS bits
const (
	StatusTXFRS   = 1 << 7  // Transmit frame sent
	StatusRXDFR   = 1 << 13 // Receiver data frame ready
	StatusRXFCG   = 1 << 14 // Receiver FCS good
	StatusRXFCE   = 1 << 15 // Receiver FCS error
	StatusRXRFSL  = 1 << 16 // Receiver Reed-Solomon sync loss
	StatusRXRFTO  = 1 << 17 // Receive frame wait timeout
	StatusRXPTO   = 1 << 21 // Preamble detection timeout
	StatusRXSFDTO = 1 << 26 // SFD detection timeout
)

// SYS_CTRL bits
const (
	CtrlTXSTRT = 1 << 1 // Start transmission
	CtrlTRXOFF = 1 << 6 // Force transceiver off
	CtrlRXENAB = 1 << 8 // Enable receiver
)

// SYS_CFG bits
const (
	CfgRXWTOE = 1 << 28 // Receive wait timeout enable
)

// Channel configuration defaults. Channel 2 with the 64 MHz PRF preamble
// code 9 matches the Loco Positioning anchors.
const (
	DefaultChannel      = 2
	DefaultPreambleCode = 9
)

// Receive frame wait timeout value written during bring-up, in units of
// roughly 1.026 us (512 counts of the 499.2 MHz fundamental).
const DefaultReceiveWaitTimeout = 10000

// Maximum frame payload carried by a standard (non-extended) frame.
const MaxFrameLen = 127

// ResetDelay is how long the reset line is held and then released during
// bring-up before the chip is expected to answer on the bus.
const ResetDelay = 10 * time.Millisecond
