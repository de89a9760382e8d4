package ranging

import (
	"time"

	"github.com/herlein/goloco/pkg/dw1000"
	"github.com/herlein/goloco/pkg/lps"
)

// TDoA3 is the third-generation TDoA listener. Anchors announce
// themselves dynamically, so the anchor table is open-ended and any
// 8-bit id is addressable for position queries.
type TDoA3 struct {
	host    lps.Host
	anchors *anchorTable
}

// NewTDoA3 builds the TDoA3 listener against the driver's service
// surface.
func NewTDoA3(h lps.Host) *TDoA3 {
	return &TDoA3{host: h, anchors: newAnchorTable()}
}

// Init implements lps.Algorithm.
func (a *TDoA3) Init(dev *dw1000.Device) {
	a.anchors.reset()
	a.host.SetRangingState(0)
	dev.NewReceive()
}

// OnEvent implements lps.Algorithm.
func (a *TDoA3) OnEvent(dev *dw1000.Device, ev lps.Event) time.Duration {
	switch ev {
	case lps.EventPacketReceived:
		receiveAndRecord(dev, a.anchors)
		a.host.SetRangingState(a.anchors.bitfield())
	case lps.EventPacketSent, lps.EventReceiveTimeout, lps.EventTimeout:
		dev.NewReceive()
	}
	return tdoa3PollTimeout
}

// RangingOK implements lps.Algorithm.
func (a *TDoA3) RangingOK() bool {
	return len(a.anchors.heard) >= 2
}

// AnchorPosition implements lps.Algorithm.
func (a *TDoA3) AnchorPosition(id uint8) (lps.Point, bool) {
	return a.anchors.position(id)
}
