package ranging

import (
	"time"

	"github.com/herlein/goloco/pkg/dw1000"
	"github.com/herlein/goloco/pkg/lps"
)

// TDoA2 is the second-generation TDoA listener. The anchor set is fixed
// at MaxAnchors slots; the tag never transmits, it only consumes the
// anchors' synchronized broadcasts.
type TDoA2 struct {
	host    lps.Host
	anchors *anchorTable
}

// NewTDoA2 builds the TDoA2 listener against the driver's service
// surface.
func NewTDoA2(h lps.Host) *TDoA2 {
	return &TDoA2{host: h, anchors: newAnchorTable()}
}

// Init implements lps.Algorithm.
func (a *TDoA2) Init(dev *dw1000.Device) {
	a.anchors.reset()
	a.host.SetRangingState(0)
	dev.NewReceive()
}

// OnEvent implements lps.Algorithm.
func (a *TDoA2) OnEvent(dev *dw1000.Device, ev lps.Event) time.Duration {
	switch ev {
	case lps.EventPacketReceived:
		receiveAndRecord(dev, a.anchors)
		a.host.SetRangingState(a.anchors.bitfield())
	case lps.EventPacketSent, lps.EventReceiveTimeout, lps.EventTimeout:
		dev.NewReceive()
	}
	return tdoa2PollTimeout
}

// RangingOK implements lps.Algorithm. TDoA2 needs broadcasts from at
// least two distinct anchors before a position difference is computable.
func (a *TDoA2) RangingOK() bool {
	return len(a.anchors.heard) >= 2
}

// AnchorPosition implements lps.Algorithm. Only the fixed anchor slots
// are addressable.
func (a *TDoA2) AnchorPosition(id uint8) (lps.Point, bool) {
	if id >= MaxAnchors {
		return lps.Point{}, false
	}
	return a.anchors.position(id)
}
