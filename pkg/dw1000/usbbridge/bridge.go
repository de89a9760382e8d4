// Package usbbridge implements the dw1000.Ops transport over a USB-to-SPI
// bridge board carrying the DW1000. The bridge exposes a bulk endpoint
// pair for SPI transactions, vendor control requests for the sideband
// signals (reset, interrupt line level, bus speed), and an interrupt IN
// endpoint that reports each assertion of the radio's interrupt line.
package usbbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/herlein/goloco/pkg/dw1000"
)

// USB device identifiers for the bridge board.
const (
	VendorID  = 0x1D50
	ProductID = 0x607A
)

// Endpoint numbers on interface 0.
const (
	epSPI = 2 // bulk IN/OUT pair carrying SPI transactions
	epIRQ = 3 // interrupt IN reporting radio IRQ assertions
)

// Vendor control requests (EP0).
const (
	reqReset    = 0x01 // pulse the DW1000 reset line
	reqSetSpeed = 0x02 // value = 0 low tier, 1 high tier
	reqIRQState = 0x03 // read one byte: current IRQ line level
)

const (
	requestTypeVendorIn  = 0xC0 // Vendor request, device to host
	requestTypeVendorOut = 0x40 // Vendor request, host to device
)

// defaultTimeout bounds every individual bus transaction.
const defaultTimeout = 1000 * time.Millisecond

// Bridge is a dw1000.Ops implementation backed by a gousb device.
type Bridge struct {
	usbDevice    *gousb.Device
	usbConfig    *gousb.Config
	usbInterface *gousb.Interface
	epIn         *gousb.InEndpoint
	epOut        *gousb.OutEndpoint
	epIrq        *gousb.InEndpoint

	Serial       string
	Manufacturer string
	Product      string

	txMu  sync.Mutex
	txBuf []byte
}

// Open opens the first bridge found, or the one matching serial when
// serial is non-empty.
func Open(usbCtx *gousb.Context, serial string) (*Bridge, error) {
	usbDev, err := usbCtx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(ProductID))
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge: %w", err)
	}
	if usbDev == nil {
		return nil, fmt.Errorf("bridge not found")
	}

	bridge, err := wrap(usbDev)
	if err != nil {
		usbDev.Close()
		return nil, err
	}

	if serial != "" && bridge.Serial != serial {
		bridge.Close()
		return nil, fmt.Errorf("bridge serial mismatch: wanted %s, got %s", serial, bridge.Serial)
	}
	return bridge, nil
}

func wrap(usbDev *gousb.Device) (*Bridge, error) {
	manufacturer, _ := usbDev.Manufacturer()
	product, _ := usbDev.Product()
	serial, _ := usbDev.SerialNumber()

	usbDev.SetAutoDetach(true)

	config, err := usbDev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	iface, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	epIn, err := iface.InEndpoint(epSPI)
	if err != nil {
		iface.Close()
		config.Close()
		return nil, fmt.Errorf("failed to get SPI IN endpoint: %w", err)
	}
	epOut, err := iface.OutEndpoint(epSPI)
	if err != nil {
		iface.Close()
		config.Close()
		return nil, fmt.Errorf("failed to get SPI OUT endpoint: %w", err)
	}
	epIrq, err := iface.InEndpoint(epIRQ)
	if err != nil {
		iface.Close()
		config.Close()
		return nil, fmt.Errorf("failed to get IRQ endpoint: %w", err)
	}

	return &Bridge{
		usbDevice:    usbDev,
		usbConfig:    config,
		usbInterface: iface,
		epIn:         epIn,
		epOut:        epOut,
		epIrq:        epIrq,
		Serial:       serial,
		Manufacturer: manufacturer,
		Product:      product,
		txBuf:        make([]byte, 0, 256),
	}, nil
}

// Close releases the USB resources.
func (b *Bridge) Close() error {
	if b.usbInterface != nil {
		b.usbInterface.Close()
	}
	if b.usbConfig != nil {
		b.usbConfig.Close()
	}
	if b.usbDevice != nil {
		return b.usbDevice.Close()
	}
	return nil
}

// String returns a human-readable description of the bridge.
func (b *Bridge) String() string {
	return fmt.Sprintf("%s %s (Serial: %s)", b.Manufacturer, b.Product, b.Serial)
}

// transact runs one SPI transaction: header and write payload out, then
// readLen bytes clocked back. Frame on the wire: hdrLen(1) + header +
// payload.
func (b *Bridge) transact(header, writeData []byte, readLen int) ([]byte, error) {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	b.txBuf = b.txBuf[:0]
	b.txBuf = append(b.txBuf, byte(len(header)))
	b.txBuf = append(b.txBuf, header...)
	b.txBuf = append(b.txBuf, writeData...)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	n, err := b.epOut.WriteContext(ctx, b.txBuf)
	if err != nil {
		return nil, fmt.Errorf("failed to write SPI frame: %w", err)
	}
	if n != len(b.txBuf) {
		return nil, fmt.Errorf("short write: wrote %d of %d bytes", n, len(b.txBuf))
	}

	if readLen == 0 {
		return nil, nil
	}
	data := make([]byte, readLen)
	got := 0
	for got < readLen {
		n, err := b.epIn.ReadContext(ctx, data[got:])
		if err != nil {
			return nil, fmt.Errorf("failed to read SPI frame: %w", err)
		}
		got += n
	}
	return data, nil
}

// Read implements dw1000.Ops.
func (b *Bridge) Read(header, data []byte) error {
	out, err := b.transact(header, nil, len(data))
	if err != nil {
		return err
	}
	copy(data, out)
	return nil
}

// Write implements dw1000.Ops.
func (b *Bridge) Write(header, data []byte) error {
	_, err := b.transact(header, data, 0)
	return err
}

// SetSpeed implements dw1000.Ops. Errors are swallowed: a failed speed
// change leaves the bridge at the previous, still-working tier.
func (b *Bridge) SetSpeed(speed dw1000.Speed) {
	value := uint16(0)
	if speed == dw1000.SpeedHigh {
		value = 1
	}
	b.usbDevice.Control(requestTypeVendorOut, reqSetSpeed, value, 0, nil)
}

// Delay implements dw1000.Ops.
func (b *Bridge) Delay(d time.Duration) {
	time.Sleep(d)
}

// IRQLine implements dw1000.Ops by reading the current interrupt line
// level from the bridge.
func (b *Bridge) IRQLine() bool {
	buf := make([]byte, 1)
	n, err := b.usbDevice.Control(requestTypeVendorIn, reqIRQState, 0, 0, buf)
	if err != nil || n < 1 {
		return false
	}
	return buf[0] != 0
}

// Reset implements dw1000.Ops by pulsing the chip reset line.
func (b *Bridge) Reset() error {
	if _, err := b.usbDevice.Control(requestTypeVendorOut, reqReset, 0, 0, nil); err != nil {
		return fmt.Errorf("failed to reset chip: %w", err)
	}
	return nil
}

// WatchIRQ blocks reading the bridge's interrupt endpoint and invokes fn
// once per reported assertion of the radio interrupt line, until ctx is
// done. fn runs on this goroutine and must be non-blocking; the scheduler's
// notification method satisfies that.
func (b *Bridge) WatchIRQ(ctx context.Context, fn func()) error {
	buf := make([]byte, b.epIrq.Desc.MaxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		readCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		n, err := b.epIrq.ReadContext(readCtx, buf)
		cancel()
		if err != nil {
			if readCtx.Err() != nil {
				continue
			}
			return fmt.Errorf("failed to read IRQ endpoint: %w", err)
		}
		for i := 0; i < n; i++ {
			fn()
		}
	}
}
