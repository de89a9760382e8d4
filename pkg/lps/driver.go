package lps

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/herlein/goloco/pkg/dw1000"
)

// minPollTimeout floors the scheduler's wait bound so that an algorithm
// returning zero can never spin the loop.
const minPollTimeout = time.Millisecond

// Options tunes driver construction. A nil Options uses all defaults.
type Options struct {
	// Logger receives driver diagnostics. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// SwitchPeriod overrides the automatic-discovery dwell time.
	// Intended for tests; zero means SwitchPeriod.
	SwitchPeriod time.Duration

	// Now overrides the clock used by the mode state machine. Intended
	// for tests; nil means time.Now.
	Now func() time.Time
}

// Driver owns the scheduler for one Loco Positioning deck. The worker
// goroutine started by Start is the only mutator of the current mode and
// the active algorithm; external callers interact through SetMode, the
// mailbox and GetAnchorPosition.
type Driver struct {
	dev      *dw1000.Device
	registry Registry
	log      zerolog.Logger

	// algoMu serializes mode transitions, every call into the active
	// algorithm, and the cross-task anchor position query. The interrupt
	// handoff never takes it.
	algoMu     sync.Mutex
	algorithm  Algorithm
	current    Mode
	detected   bool
	started    bool
	nextSwitch time.Time

	// pollTimeout is the next maximum wait before the loop re-evaluates
	// state. Written by the event handlers' return values, read by the
	// loop; both under algoMu.
	pollTimeout time.Duration

	// requested is shared-mutable: written by any goroutine through
	// SetMode, read once per loop iteration. Last write wins.
	requested atomic.Uint32

	rangingState atomic.Uint32

	// irq is the single-slot interrupt notification. Sends are
	// non-blocking, so occurrences that arrive before the loop consumes
	// the slot coalesce into one wake.
	irq chan struct{}

	lpp *mailbox

	initialized  atomic.Bool
	running      atomic.Bool
	switchPeriod time.Duration
	now          func() time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// New builds a driver over a configured-later device. The registry builder
// is invoked once, against this driver, and the resulting table is fixed
// for the driver's lifetime. It must at least contain the default mode.
func New(dev *dw1000.Device, build RegistryBuilder, opts *Options) (*Driver, error) {
	d := &Driver{
		dev:          dev,
		log:          zerolog.Nop(),
		current:      ModeAuto, // sentinel: forces first-pass initialization
		irq:          make(chan struct{}, 1),
		lpp:          newMailbox(),
		switchPeriod: SwitchPeriod,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	if opts != nil {
		if opts.Logger != nil {
			d.log = *opts.Logger
		}
		if opts.SwitchPeriod > 0 {
			d.switchPeriod = opts.SwitchPeriod
		}
		if opts.Now != nil {
			d.now = opts.Now
		}
	}
	d.requested.Store(uint32(ModeAuto))

	registry := build(d)
	for mode, desc := range registry {
		if !mode.Valid() || desc.Algorithm == nil {
			return nil, fmt.Errorf("registry entry %v: %w", mode, ErrEmptyRegistry)
		}
	}
	if _, ok := registry[DefaultMode]; !ok {
		return nil, fmt.Errorf("registry missing default mode %v: %w", DefaultMode, ErrEmptyRegistry)
	}
	d.registry = registry
	return d, nil
}

// Start runs the hardware bring-up and launches the scheduler goroutine.
// A bring-up failure leaves the driver uninitialized: no scheduler runs
// and every driver operation fails with ErrNotInitialized.
func (d *Driver) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := d.dev.Configure(); err != nil {
		d.running.Store(false)
		d.log.Error().Err(err).Msg("failed to configure DW1000")
		return fmt.Errorf("configure DW1000: %w", err)
	}

	// The handlers run inside HandleInterrupt, which the loop only calls
	// with algoMu held, so touching the algorithm and pollTimeout here is
	// safe.
	d.dev.OnSent(func(dev *dw1000.Device) {
		d.pollTimeout = d.algorithm.OnEvent(dev, EventPacketSent)
	})
	d.dev.OnReceived(func(dev *dw1000.Device) {
		d.pollTimeout = d.algorithm.OnEvent(dev, EventPacketReceived)
	})
	d.dev.OnReceiveTimeout(func(dev *dw1000.Device) {
		d.pollTimeout = d.algorithm.OnEvent(dev, EventReceiveTimeout)
	})

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.initialized.Store(true)
	go d.run(loopCtx)
	return nil
}

// Stop cancels the scheduler goroutine and waits for it to exit. The
// driver cannot be restarted.
func (d *Driver) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// Initialized reports whether hardware bring-up completed and the
// scheduler is running.
func (d *Driver) Initialized() bool {
	return d.initialized.Load()
}

// NotifyInterrupt signals the scheduler that the radio interrupt line
// fired. Safe from any goroutine, never blocks, and never touches the
// guard: this is the whole of the interrupt-context path. Calls arriving
// before the scheduler consumes the pending notification coalesce into a
// single wake; a stale wake with no pending hardware event is a no-op.
func (d *Driver) NotifyInterrupt() {
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// SetMode requests a ranging mode. Takes effect on the next scheduler
// iteration; concurrent writers race last-write-wins. Values outside the
// known set are tolerated here and corrected by the scheduler, which falls
// back to the default algorithm with a diagnostic.
func (d *Driver) SetMode(mode Mode) {
	d.requested.Store(uint32(mode))
}

// RequestedMode returns the most recently requested mode.
func (d *Driver) RequestedMode() Mode {
	return Mode(d.requested.Load())
}

// CurrentMode returns the mode currently running.
func (d *Driver) CurrentMode() Mode {
	d.algoMu.Lock()
	defer d.algoMu.Unlock()
	return d.current
}

// Detected reports whether automatic discovery has locked in an
// algorithm.
func (d *Driver) Detected() bool {
	d.algoMu.Lock()
	defer d.algoMu.Unlock()
	return d.detected
}

// RangingState returns the anchor ranging bitfield maintained by the
// active algorithm.
func (d *Driver) RangingState() uint16 {
	return uint16(d.rangingState.Load())
}

// SetRangingState replaces the anchor ranging bitfield.
func (d *Driver) SetRangingState(state uint16) {
	d.rangingState.Store(uint32(state))
}

// SendLppShort queues an outgoing LPP short packet for the active
// algorithm to transmit. Never blocks; fails when the driver is not
// initialized or the mailbox is full.
func (d *Driver) SendLppShort(dest uint8, payload []byte) error {
	if !d.initialized.Load() {
		return ErrNotInitialized
	}
	return d.lpp.send(dest, payload)
}

// GetLppShort pops the next queued outgoing packet. Consumed by the
// active algorithm during its own processing, not by the scheduler.
func (d *Driver) GetLppShort() (LppShortPacket, bool) {
	return d.lpp.receive()
}

// GetAnchorPosition looks up an anchor position through the active
// algorithm. Callable from any goroutine; serializes against mode
// transitions and interrupt dispatch through the guard, so it can never
// observe a half-initialized algorithm.
func (d *Driver) GetAnchorPosition(id uint8) (Point, bool) {
	if !d.initialized.Load() {
		return Point{}, false
	}
	d.algoMu.Lock()
	defer d.algoMu.Unlock()
	if d.algorithm == nil {
		return Point{}, false
	}
	return d.algorithm.AnchorPosition(id)
}

// adopt switches the running algorithm, initializes it and dispatches a
// synthetic timeout event to obtain its first poll timeout. Caller holds
// algoMu.
func (d *Driver) adopt(mode Mode) {
	desc := d.registry[mode]
	d.current = mode
	d.algorithm = desc.Algorithm
	d.algorithm.Init(d.dev)
	d.pollTimeout = d.algorithm.OnEvent(d.dev, EventTimeout)
}

// evaluateMode advances the mode state machine for one iteration. Caller
// holds algoMu.
func (d *Driver) evaluateMode(now time.Time) {
	requested := Mode(d.requested.Load())

	if requested == ModeAuto { // automatic discovery
		if d.detected {
			return
		}
		if d.current == ModeAuto {
			// First pass: start discovery from the default algorithm and
			// arm the switch deadline.
			d.nextSwitch = now.Add(d.switchPeriod)
			d.adopt(DefaultMode)
			d.log.Info().Stringer("algorithm", DefaultMode).Msg("automatic mode: starting discovery")
		} else if now.After(d.nextSwitch) {
			if d.started && d.algorithm.RangingOK() {
				d.detected = true
				d.log.Info().Str("algorithm", d.registry[d.current].Name).Msg("automatic mode: detected")
			} else {
				d.started = true
				d.nextSwitch = now.Add(d.switchPeriod)
				d.adopt(nextMode(d.current))
				d.log.Debug().Str("algorithm", d.registry[d.current].Name).Msg("automatic mode: trying next algorithm")
			}
		}
		return
	}

	if requested != d.current { // manual selection
		d.detected = false
		d.started = false

		target := requested
		if !target.Valid() {
			d.log.Warn().Uint8("requested", uint8(requested)).
				Stringer("fallback", DefaultMode).
				Msg("invalid ranging mode requested, falling back to default")
			// Correct the requested slot too, unless a newer write
			// already replaced the invalid value.
			d.requested.CompareAndSwap(uint32(requested), uint32(DefaultMode))
			target = DefaultMode
		} else {
			d.log.Info().Str("algorithm", d.registry[target].Name).Msg("switching ranging mode")
		}
		d.adopt(target)
	}
}

// run is the scheduler loop. One instance exists per driver; it owns the
// current mode and the active algorithm and runs until the context is
// canceled.
func (d *Driver) run(ctx context.Context) {
	defer close(d.done)

	for {
		d.algoMu.Lock()
		d.evaluateMode(d.now())
		timeout := d.pollTimeout
		d.algoMu.Unlock()

		if timeout < minPollTimeout {
			timeout = minPollTimeout
		}

		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-d.irq:
			timer.Stop()
			// Drain: service at least once, then keep servicing while
			// the hardware line stays asserted. This consumes interrupt
			// occurrences that coalesced into the single wake without
			// returning to the outer timed wait between them. A service
			// error abandons the drain so a wedged line cannot trap the
			// loop here, away from cancellation.
			for {
				d.algoMu.Lock()
				err := d.dev.HandleInterrupt()
				d.algoMu.Unlock()
				if err != nil {
					d.log.Error().Err(err).Msg("interrupt service failed")
					break
				}
				if !d.dev.IRQAsserted() {
					break
				}
			}

		case <-timer.C:
			d.algoMu.Lock()
			if d.algorithm != nil {
				d.pollTimeout = d.algorithm.OnEvent(d.dev, EventTimeout)
			}
			d.algoMu.Unlock()
		}
	}
}
