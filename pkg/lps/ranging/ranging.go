// Package ranging provides the tag-side ranging strategies selectable by
// the scheduler: two-way ranging (TWR) and the two TDoA protocol
// generations. The implementations here cover the scheduling contract —
// event handling, health reporting, anchor bookkeeping and outgoing LPP
// traffic — while the distance estimation itself is delegated to the
// surrounding state estimator.
package ranging

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/herlein/goloco/pkg/dw1000"
	"github.com/herlein/goloco/pkg/lps"
)

// LPP short packet framing.
const (
	lppShortHeader        = 0xF0
	lppShortAnchorPosType = 0x01
)

// MaxAnchors is the size of the anchor bitfield reported as ranging state.
const MaxAnchors = 8

// Algorithms builds the fixed algorithm registry for a driver. The table
// is keyed by the closed mode set; the auto sentinel never appears.
func Algorithms(h lps.Host) lps.Registry {
	return lps.Registry{
		lps.ModeTWR:   {Algorithm: NewTWR(h), Name: "TWR"},
		lps.ModeTDoA2: {Algorithm: NewTDoA2(h), Name: "TDoA2"},
		lps.ModeTDoA3: {Algorithm: NewTDoA3(h), Name: "TDoA3"},
	}
}

// anchorTable tracks the anchors heard since the last initialization and
// any positions they have announced.
type anchorTable struct {
	positions map[uint8]lps.Point
	heard     map[uint8]bool
	frames    int
}

func newAnchorTable() *anchorTable {
	return &anchorTable{
		positions: make(map[uint8]lps.Point),
		heard:     make(map[uint8]bool),
	}
}

func (t *anchorTable) reset() {
	t.positions = make(map[uint8]lps.Point)
	t.heard = make(map[uint8]bool)
	t.frames = 0
}

func (t *anchorTable) position(id uint8) (lps.Point, bool) {
	p, ok := t.positions[id]
	return p, ok
}

// bitfield returns one bit per anchor id below MaxAnchors that has been
// heard since the last reset.
func (t *anchorTable) bitfield() uint16 {
	var state uint16
	for id := range t.heard {
		if id < MaxAnchors {
			state |= 1 << id
		}
	}
	return state
}

// handleFrame records the sender and decodes an LPP short anchor position
// announcement if the frame carries one. Frame layout: source id, LPP
// header, LPP type, then the type-specific payload.
func (t *anchorTable) handleFrame(data []byte) {
	if len(data) < 1 {
		return
	}
	src := data[0]
	t.heard[src] = true
	t.frames++

	if len(data) >= 15 && data[1] == lppShortHeader && data[2] == lppShortAnchorPosType {
		t.positions[src] = lps.Point{
			X: math.Float32frombits(binary.LittleEndian.Uint32(data[3:7])),
			Y: math.Float32frombits(binary.LittleEndian.Uint32(data[7:11])),
			Z: math.Float32frombits(binary.LittleEndian.Uint32(data[11:15])),
		}
	}
}

// receiveAndRecord drains the frame sitting in the radio's receive buffer
// into the table and re-arms the receiver.
func receiveAndRecord(dev *dw1000.Device, t *anchorTable) {
	if data, err := dev.ReadReceivedData(); err == nil {
		t.handleFrame(data)
	}
	dev.NewReceive()
}

// buildLppFrame frames an outgoing LPP short packet for transmission.
func buildLppFrame(packet lps.LppShortPacket) []byte {
	frame := make([]byte, 0, 2+len(packet.Data))
	frame = append(frame, packet.Dest, lppShortHeader)
	frame = append(frame, packet.Data...)
	return frame
}

// Poll timeouts per protocol. TWR drives the exchange and polls fast;
// the TDoA listeners only need to wake for housekeeping.
const (
	twrPollTimeout   = 10 * time.Millisecond
	tdoa2PollTimeout = 100 * time.Millisecond
	tdoa3PollTimeout = 100 * time.Millisecond
)
