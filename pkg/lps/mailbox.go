package lps

// LppShortMaxPayload bounds the payload of one LPP short packet.
const LppShortMaxPayload = 32

// lppQueueSize is the mailbox capacity. A design constant, not
// user-configurable; a send against a full mailbox fails, it never blocks.
const lppQueueSize = 10

// LppShortPacket is one small outgoing payload addressed to an anchor.
type LppShortPacket struct {
	Dest uint8
	Data []byte
}

// mailbox is a bounded, non-blocking relay for outgoing LPP short packets.
// Producers are arbitrary goroutines; the consumer is the active ranging
// algorithm, polling during its own event processing. Both directions are
// strictly non-blocking.
type mailbox struct {
	queue chan LppShortPacket
}

func newMailbox() *mailbox {
	return &mailbox{queue: make(chan LppShortPacket, lppQueueSize)}
}

// send copies payload and enqueues it. Fails with ErrMailboxFull when all
// slots are taken, dropping the payload.
func (m *mailbox) send(dest uint8, payload []byte) error {
	if len(payload) > LppShortMaxPayload {
		return ErrPayloadTooLarge
	}
	packet := LppShortPacket{Dest: dest, Data: append([]byte(nil), payload...)}
	select {
	case m.queue <- packet:
		return nil
	default:
		return ErrMailboxFull
	}
}

// receive pops the next packet without blocking.
func (m *mailbox) receive() (LppShortPacket, bool) {
	select {
	case packet := <-m.queue:
		return packet, true
	default:
		return LppShortPacket{}, false
	}
}
