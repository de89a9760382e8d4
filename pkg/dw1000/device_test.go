package dw1000

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptOps is a register transport backed by a plain register map.
type scriptOps struct {
	regs     map[byte][]byte
	writes   []byte // register IDs written, in order
	irq      bool
	resets   int
	lastData map[byte][]byte
}

func newScriptOps() *scriptOps {
	ops := &scriptOps{
		regs:     make(map[byte][]byte),
		lastData: make(map[byte][]byte),
	}
	devID := make([]byte, 4)
	binary.LittleEndian.PutUint32(devID, ExpectedDeviceID)
	ops.regs[RegDevID] = devID
	return ops
}

func (o *scriptOps) setUint32(reg byte, value uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	o.regs[reg] = buf
}

func (o *scriptOps) Read(header, data []byte) error {
	reg := header[0] & 0x3F
	copy(data, o.regs[reg])
	return nil
}

func (o *scriptOps) Write(header, data []byte) error {
	reg := header[0] & 0x3F
	o.writes = append(o.writes, reg)
	o.lastData[reg] = append([]byte(nil), data...)
	return nil
}

func (o *scriptOps) SetSpeed(Speed)      {}
func (o *scriptOps) Delay(time.Duration) {}
func (o *scriptOps) IRQLine() bool       { return o.irq }
func (o *scriptOps) Reset() error        { o.resets++; return nil }

func TestBuildHeader(t *testing.T) {
	tests := []struct {
		name  string
		write bool
		reg   byte
		sub   uint16
		want  []byte
	}{
		{"read no sub", false, 0x0F, 0, []byte{0x0F}},
		{"write no sub", true, 0x0F, 0, []byte{0x8F}},
		{"read short sub", false, 0x11, 0x40, []byte{0x51, 0x40}},
		{"write short sub", true, 0x09, 0x7F, []byte{0xC9, 0x7F}},
		{"read extended sub", false, 0x11, 0x100, []byte{0x51, 0x80, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildHeader(tt.write, tt.reg, tt.sub))
		})
	}
}

func TestConfigureChecksDeviceID(t *testing.T) {
	ops := newScriptOps()
	ops.setUint32(RegDevID, 0x12345678)

	dev := New(ops)
	err := dev.Configure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected device id")
}

func TestConfigureWritesBringUpSequence(t *testing.T) {
	ops := newScriptOps()
	dev := New(ops)

	require.NoError(t, dev.Configure())
	assert.Equal(t, 1, ops.resets)
	assert.Contains(t, ops.writes, byte(RegSysCfg))
	assert.Equal(t, uint32(CfgRXWTOE), binary.LittleEndian.Uint32(ops.lastData[RegSysCfg]))
	assert.Contains(t, ops.writes, byte(RegRxFWTO))
	assert.Contains(t, ops.writes, byte(RegChanCtrl))
	assert.Contains(t, ops.writes, byte(RegSysMask))
}

func TestHandleInterruptDispatch(t *testing.T) {
	tests := []struct {
		name   string
		status uint32
		want   string
	}{
		{"sent", StatusTXFRS, "sent"},
		{"received", StatusRXDFR | StatusRXFCG, "received"},
		{"receive timeout", StatusRXRFTO, "timeout"},
		{"preamble timeout", StatusRXPTO, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := newScriptOps()
			ops.setUint32(RegSysStatus, tt.status)
			dev := New(ops)

			var got string
			dev.OnSent(func(*Device) { got = "sent" })
			dev.OnReceived(func(*Device) { got = "received" })
			dev.OnReceiveTimeout(func(*Device) { got = "timeout" })

			require.NoError(t, dev.HandleInterrupt())
			assert.Equal(t, tt.want, got)

			// Handled bits are written back to clear the event.
			cleared := binary.LittleEndian.Uint32(ops.lastData[RegSysStatus])
			assert.Equal(t, tt.status, cleared)
		})
	}
}

func TestHandleInterruptStaleWake(t *testing.T) {
	ops := newScriptOps()
	ops.setUint32(RegSysStatus, 0)
	dev := New(ops)

	fired := false
	dev.OnSent(func(*Device) { fired = true })
	dev.OnReceived(func(*Device) { fired = true })
	dev.OnReceiveTimeout(func(*Device) { fired = true })

	require.NoError(t, dev.HandleInterrupt())
	assert.False(t, fired)
	// Nothing handled, nothing written.
	assert.NotContains(t, ops.writes, byte(RegSysStatus))
}

func TestSendPacketBounds(t *testing.T) {
	dev := New(newScriptOps())

	assert.Error(t, dev.SendPacket(nil))
	assert.Error(t, dev.SendPacket(make([]byte, MaxFrameLen)))
	assert.NoError(t, dev.SendPacket(make([]byte, MaxFrameLen-2)))
}

func TestReadReceivedData(t *testing.T) {
	ops := newScriptOps()
	payload := []byte{0xDE, 0xCA, 0x01}
	ops.setUint32(RegRxFInfo, uint32(len(payload)+2)) // length includes FCS
	ops.regs[RegRxBuffer] = payload

	dev := New(ops)
	data, err := dev.ReadReceivedData()
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestReadReceivedDataBadLength(t *testing.T) {
	ops := newScriptOps()
	ops.setUint32(RegRxFInfo, 0x3FF)

	dev := New(ops)
	_, err := dev.ReadReceivedData()
	assert.Error(t, err)
}
