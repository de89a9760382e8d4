// Package dw1000 drives a Qorvo/Decawave DW1000 ultra-wideband transceiver
// over a synchronous register transport. It covers register access, the
// bring-up sequence, and decoding of the chip's event status into sent /
// received / receive-timeout callbacks. Scheduling and the ranging
// algorithms live above this package.
package dw1000

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Handler is invoked by HandleInterrupt when the matching chip event is
// found in the status register. Handlers run synchronously on the caller's
// goroutine.
type Handler func(*Device)

// Device represents one DW1000 chip behind an Ops transport.
type Device struct {
	ops Ops

	onSent           Handler
	onReceived       Handler
	onReceiveTimeout Handler
}

// New wraps a transport in a Device. The chip is not touched until
// Configure is called.
func New(ops Ops) *Device {
	return &Device{ops: ops}
}

// buildHeader encodes a transaction header for the given register file and
// sub-address. Format per the DW1000 user manual: octet 0 carries the
// operation bit (0x80 = write), the sub-index present bit (0x40) and the
// 6-bit register ID; octet 1 carries the extended-address bit (0x80) and
// the low 7 bits of the sub-address; octet 2 carries the high bits.
func buildHeader(write bool, reg byte, sub uint16) []byte {
	op := byte(0)
	if write {
		op = 0x80
	}
	if sub == 0 {
		return []byte{op | (reg & 0x3F)}
	}
	if sub <= 0x7F {
		return []byte{op | 0x40 | (reg & 0x3F), byte(sub)}
	}
	return []byte{op | 0x40 | (reg & 0x3F), 0x80 | byte(sub&0x7F), byte(sub >> 7)}
}

// ReadRegister reads len(data) bytes from a register file at the given
// sub-address.
func (d *Device) ReadRegister(reg byte, sub uint16, data []byte) error {
	if err := d.ops.Read(buildHeader(false, reg, sub), data); err != nil {
		return fmt.Errorf("read reg 0x%02X:%d: %w", reg, sub, err)
	}
	return nil
}

// WriteRegister writes data to a register file at the given sub-address.
func (d *Device) WriteRegister(reg byte, sub uint16, data []byte) error {
	if err := d.ops.Write(buildHeader(true, reg, sub), data); err != nil {
		return fmt.Errorf("write reg 0x%02X:%d: %w", reg, sub, err)
	}
	return nil
}

func (d *Device) readUint32(reg byte, sub uint16) (uint32, error) {
	var buf [4]byte
	if err := d.ReadRegister(reg, sub, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Device) writeUint32(reg byte, sub uint16, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return d.WriteRegister(reg, sub, buf[:])
}

// DeviceID reads the DEV_ID register.
func (d *Device) DeviceID() (uint32, error) {
	return d.readUint32(RegDevID, 0)
}

// Configure resets the chip and runs the bring-up sequence: identity
// check, system configuration, channel selection and the receive wait
// timeout. A failure here is fatal to the driver as a whole; the caller
// must not start scheduling against an unconfigured device.
func (d *Device) Configure() error {
	if err := d.ops.Reset(); err != nil {
		return fmt.Errorf("chip reset: %w", err)
	}
	d.ops.Delay(ResetDelay)

	d.ops.SetSpeed(SpeedLow)
	id, err := d.DeviceID()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	if id != ExpectedDeviceID {
		return fmt.Errorf("unexpected device id 0x%08X (want 0x%08X)", id, ExpectedDeviceID)
	}

	// The receive wait timeout bounds each listen; the ranging
	// algorithms re-arm the receiver explicitly after every event.
	if err := d.writeUint32(RegSysCfg, 0, CfgRXWTOE); err != nil {
		return fmt.Errorf("system config: %w", err)
	}
	if err := d.SetReceiveWaitTimeout(DefaultReceiveWaitTimeout); err != nil {
		return err
	}

	chanCtrl := uint32(DefaultChannel) | uint32(DefaultChannel)<<4 |
		uint32(DefaultPreambleCode)<<22 | uint32(DefaultPreambleCode)<<27
	if err := d.writeUint32(RegChanCtrl, 0, chanCtrl); err != nil {
		return fmt.Errorf("channel control: %w", err)
	}

	// Unmask the events the scheduler cares about.
	mask := uint32(StatusTXFRS | StatusRXDFR | StatusRXFCG | StatusRXRFTO | StatusRXPTO)
	if err := d.writeUint32(RegSysMask, 0, mask); err != nil {
		return fmt.Errorf("event mask: %w", err)
	}

	d.ops.SetSpeed(SpeedHigh)
	return nil
}

// SetReceiveWaitTimeout sets the RX frame wait timeout register.
func (d *Device) SetReceiveWaitTimeout(timeout uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], timeout)
	if err := d.WriteRegister(RegRxFWTO, 0, buf[:]); err != nil {
		return fmt.Errorf("receive wait timeout: %w", err)
	}
	return nil
}

// OnSent registers the handler dispatched when a frame transmission
// completes.
func (d *Device) OnSent(h Handler) { d.onSent = h }

// OnReceived registers the handler dispatched when a frame with good FCS
// has been received.
func (d *Device) OnReceived(h Handler) { d.onReceived = h }

// OnReceiveTimeout registers the handler dispatched when the receiver's
// frame wait or preamble timeout elapses.
func (d *Device) OnReceiveTimeout(h Handler) { d.onReceiveTimeout = h }

// IRQAsserted reports the current level of the interrupt line. The
// scheduler re-checks this after every serviced event so that interrupts
// coalesced into a single wake are still drained one by one.
func (d *Device) IRQAsserted() bool {
	return d.ops.IRQLine()
}

// HandleInterrupt reads the event status, dispatches the matching handlers
// and clears the handled bits. Must be called with exclusive access to the
// device and the attached handlers; the scheduler's guard provides that.
func (d *Device) HandleInterrupt() error {
	status, err := d.readUint32(RegSysStatus, 0)
	if err != nil {
		return fmt.Errorf("event status: %w", err)
	}

	var handled uint32
	if status&StatusTXFRS != 0 {
		handled |= StatusTXFRS
		if d.onSent != nil {
			d.onSent(d)
		}
	}
	if status&(StatusRXDFR|StatusRXFCG) != 0 {
		handled |= status & (StatusRXDFR | StatusRXFCG)
		if d.onReceived != nil {
			d.onReceived(d)
		}
	}
	if status&(StatusRXRFTO|StatusRXPTO) != 0 {
		handled |= status & (StatusRXRFTO | StatusRXPTO)
		if d.onReceiveTimeout != nil {
			d.onReceiveTimeout(d)
		}
	}
	if handled == 0 {
		// Stale wake or an unmasked error bit. Clear error bits so the
		// line deasserts rather than looping.
		handled = status & (StatusRXFCE | StatusRXRFSL | StatusRXSFDTO)
	}
	if handled != 0 {
		if err := d.writeUint32(RegSysStatus, 0, handled); err != nil {
			return fmt.Errorf("clear event status: %w", err)
		}
	}
	return nil
}

// ForceIdle forces the transceiver off, aborting any receive or transmit
// in progress.
func (d *Device) ForceIdle() error {
	if err := d.writeUint32(RegSysCtrl, 0, CtrlTRXOFF); err != nil {
		return fmt.Errorf("force idle: %w", err)
	}
	return nil
}

// NewReceive aborts the current transceiver activity and re-arms the
// receiver. Algorithms call this after every handled event to keep
// listening.
func (d *Device) NewReceive() error {
	if err := d.ForceIdle(); err != nil {
		return err
	}
	if err := d.writeUint32(RegSysCtrl, 0, CtrlRXENAB); err != nil {
		return fmt.Errorf("enable receiver: %w", err)
	}
	return nil
}

// SendPacket writes data to the transmit buffer, sets the frame length and
// starts transmission.
func (d *Device) SendPacket(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("send packet: empty payload")
	}
	if len(data) > MaxFrameLen-2 {
		return fmt.Errorf("send packet: payload %d exceeds frame limit", len(data))
	}
	if err := d.WriteRegister(RegTxBuffer, 0, data); err != nil {
		return err
	}
	// Frame length includes the 2-byte FCS appended by the chip.
	if err := d.writeUint32(RegTxFCtrl, 0, uint32(len(data)+2)); err != nil {
		return fmt.Errorf("frame control: %w", err)
	}
	if err := d.writeUint32(RegSysCtrl, 0, CtrlTXSTRT); err != nil {
		return fmt.Errorf("start transmission: %w", err)
	}
	return nil
}

// ReadReceivedData returns the payload of the frame sitting in the receive
// buffer, without the trailing FCS.
func (d *Device) ReadReceivedData() ([]byte, error) {
	finfo, err := d.readUint32(RegRxFInfo, 0)
	if err != nil {
		return nil, fmt.Errorf("frame info: %w", err)
	}
	length := int(finfo & 0x3FF)
	if length < 2 || length > MaxFrameLen {
		return nil, fmt.Errorf("bad frame length %d", length)
	}
	data := make([]byte, length-2)
	if len(data) == 0 {
		return data, nil
	}
	if err := d.ReadRegister(RegRxBuffer, 0, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Delay blocks for at least the given duration using the transport's
// timing facility.
func (d *Device) Delay(dur time.Duration) {
	d.ops.Delay(dur)
}
