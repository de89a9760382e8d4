package ranging

import (
	"time"

	"github.com/herlein/goloco/pkg/dw1000"
	"github.com/herlein/goloco/pkg/lps"
)

// TWR is the two-way ranging tag. Unlike the TDoA listeners it transmits:
// it initiates exchanges with anchors and is the consumer of the driver's
// outgoing LPP short-packet mailbox.
type TWR struct {
	host    lps.Host
	anchors *anchorTable
	// inflight is set between starting a transmission and the matching
	// sent event, so a timeout does not start a second one.
	inflight bool
}

// NewTWR builds the TWR tag against the driver's service surface.
func NewTWR(h lps.Host) *TWR {
	return &TWR{host: h, anchors: newAnchorTable()}
}

// Init implements lps.Algorithm.
func (a *TWR) Init(dev *dw1000.Device) {
	a.anchors.reset()
	a.inflight = false
	a.host.SetRangingState(0)
	dev.NewReceive()
}

// OnEvent implements lps.Algorithm.
func (a *TWR) OnEvent(dev *dw1000.Device, ev lps.Event) time.Duration {
	switch ev {
	case lps.EventPacketSent:
		a.inflight = false
		dev.NewReceive()

	case lps.EventPacketReceived:
		receiveAndRecord(dev, a.anchors)
		a.host.SetRangingState(a.anchors.bitfield())

	case lps.EventReceiveTimeout, lps.EventTimeout:
		if !a.inflight {
			if packet, ok := a.host.GetLppShort(); ok {
				if err := dev.SendPacket(buildLppFrame(packet)); err == nil {
					a.inflight = true
					return twrPollTimeout
				}
			}
		}
		dev.NewReceive()
	}
	return twrPollTimeout
}

// RangingOK implements lps.Algorithm: healthy once any anchor has
// answered since the last initialization.
func (a *TWR) RangingOK() bool {
	return a.anchors.frames > 0
}

// AnchorPosition implements lps.Algorithm.
func (a *TWR) AnchorPosition(id uint8) (lps.Point, bool) {
	return a.anchors.position(id)
}
