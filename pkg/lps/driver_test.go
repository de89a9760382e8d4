package lps

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herlein/goloco/pkg/dw1000"
)

// fakeAlgo records the calls the scheduler makes into it. The scheduler
// serializes all calls through its guard; the mutex here only protects
// the test goroutine's reads against the loop's writes.
type fakeAlgo struct {
	mu      sync.Mutex
	healthy bool
	timeout time.Duration
	inits   int
	events  []Event
	pos     map[uint8]Point
}

func (a *fakeAlgo) Init(*dw1000.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inits++
}

func (a *fakeAlgo) OnEvent(_ *dw1000.Device, ev Event) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	if a.timeout == 0 {
		return time.Hour
	}
	return a.timeout
}

func (a *fakeAlgo) RangingOK() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

func (a *fakeAlgo) AnchorPosition(id uint8) (Point, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pos[id]
	return p, ok
}

func (a *fakeAlgo) setHealthy(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = ok
}

func (a *fakeAlgo) initCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inits
}

func (a *fakeAlgo) countEvents(want Event) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev == want {
			n++
		}
	}
	return n
}

type fakeSet struct {
	twr   *fakeAlgo
	tdoa2 *fakeAlgo
	tdoa3 *fakeAlgo
}

func newFakeSet() *fakeSet {
	return &fakeSet{twr: &fakeAlgo{}, tdoa2: &fakeAlgo{}, tdoa3: &fakeAlgo{}}
}

func (s *fakeSet) builder(Host) Registry {
	return Registry{
		ModeTWR:   {Algorithm: s.twr, Name: "TWR"},
		ModeTDoA2: {Algorithm: s.tdoa2, Name: "TDoA2"},
		ModeTDoA3: {Algorithm: s.tdoa3, Name: "TDoA3"},
	}
}

func (s *fakeSet) byMode(m Mode) *fakeAlgo {
	switch m {
	case ModeTWR:
		return s.twr
	case ModeTDoA2:
		return s.tdoa2
	case ModeTDoA3:
		return s.tdoa3
	}
	return nil
}

// memOps emulates the register transport. DEV_ID answers with the real
// chip identity and SYS_STATUS pops from a scripted queue; the IRQ line
// reads asserted while scripted statuses remain.
type memOps struct {
	mu        sync.Mutex
	devID     uint32
	statuses  []uint32
	statusErr error
}

func newMemOps() *memOps {
	return &memOps{devID: dw1000.ExpectedDeviceID}
}

func (o *memOps) Read(header, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch header[0] & 0x3F {
	case dw1000.RegDevID:
		binary.LittleEndian.PutUint32(data, o.devID)
	case dw1000.RegSysStatus:
		if o.statusErr != nil {
			return o.statusErr
		}
		var status uint32
		if len(o.statuses) > 0 {
			status = o.statuses[0]
			o.statuses = o.statuses[1:]
		}
		binary.LittleEndian.PutUint32(data, status)
	}
	return nil
}

func (o *memOps) Write(header, data []byte) error { return nil }
func (o *memOps) SetSpeed(dw1000.Speed)           {}
func (o *memOps) Delay(time.Duration)             {}
func (o *memOps) Reset() error                    { return nil }

func (o *memOps) IRQLine() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.statuses) > 0
}

func (o *memOps) pushStatus(statuses ...uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, statuses...)
}

func (o *memOps) failStatus(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusErr = err
}

func newTestDriver(t *testing.T, set *fakeSet) *Driver {
	t.Helper()
	driver, err := New(dw1000.New(newMemOps()), set.builder, &Options{SwitchPeriod: time.Hour})
	require.NoError(t, err)
	return driver
}

// step runs one mode-evaluation pass the way the scheduler loop does.
func step(d *Driver, now time.Time) {
	d.algoMu.Lock()
	defer d.algoMu.Unlock()
	d.evaluateMode(now)
}

func TestAutoDiscoveryStartsWithDefault(t *testing.T) {
	set := newFakeSet()
	driver := newTestDriver(t, set)

	require.Equal(t, ModeAuto, driver.RequestedMode())
	step(driver, time.Now())

	assert.Equal(t, DefaultMode, driver.CurrentMode())
	assert.Equal(t, 1, set.tdoa2.initCount())
	// The synthetic timeout event supplies the first poll timeout.
	assert.Equal(t, 1, set.tdoa2.countEvents(EventTimeout))
	assert.Zero(t, set.twr.initCount())
	assert.Zero(t, set.tdoa3.initCount())
}

func TestAutoDiscoveryCyclesInOrderAndLocksIn(t *testing.T) {
	set := newFakeSet()
	driver, err := New(dw1000.New(newMemOps()), set.builder, &Options{SwitchPeriod: time.Second})
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	step(driver, now)
	require.Equal(t, ModeTDoA2, driver.CurrentMode())

	// Nothing reports healthy: one full cycle of re-initializations in
	// fixed order, skipping the auto sentinel on wrap.
	var order []Mode
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second + time.Millisecond)
		step(driver, now)
		order = append(order, driver.CurrentMode())
	}
	assert.Equal(t, []Mode{ModeTDoA3, ModeTWR, ModeTDoA2}, order)
	assert.Equal(t, 2, set.tdoa2.initCount())
	assert.Equal(t, 1, set.tdoa3.initCount())
	assert.Equal(t, 1, set.twr.initCount())
	assert.False(t, driver.Detected())

	// The current algorithm becomes healthy: the next deadline locks it
	// in and switching stops.
	set.tdoa2.setHealthy(true)
	now = now.Add(time.Second + time.Millisecond)
	step(driver, now)
	assert.True(t, driver.Detected())
	assert.Equal(t, ModeTDoA2, driver.CurrentMode())

	now = now.Add(time.Hour)
	step(driver, now)
	assert.Equal(t, ModeTDoA2, driver.CurrentMode())
	assert.Equal(t, 2, set.tdoa2.initCount())
}

func TestManualSelection(t *testing.T) {
	set := newFakeSet()
	driver := newTestDriver(t, set)

	driver.SetMode(ModeTWR)
	step(driver, time.Now())

	assert.Equal(t, ModeTWR, driver.CurrentMode())
	assert.Equal(t, 1, set.twr.initCount())
	assert.False(t, driver.Detected())

	// Unchanged request: no re-initialization.
	step(driver, time.Now())
	assert.Equal(t, 1, set.twr.initCount())
}

func TestInvalidModeFallsBackToDefault(t *testing.T) {
	set := newFakeSet()
	driver := newTestDriver(t, set)

	driver.SetMode(Mode(7))
	step(driver, time.Now())

	assert.Equal(t, DefaultMode, driver.CurrentMode())
	assert.Equal(t, DefaultMode, driver.RequestedMode())
	assert.Equal(t, 1, set.tdoa2.initCount())

	// The corrected request is now consistent; no re-init thrash.
	step(driver, time.Now())
	assert.Equal(t, 1, set.tdoa2.initCount())
}

func TestRequestedModeLastWriteWins(t *testing.T) {
	set := newFakeSet()
	driver := newTestDriver(t, set)

	// Two racing writers, the second ordered after the first.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.SetMode(ModeTWR)
	}()
	wg.Wait()
	driver.SetMode(ModeTDoA3)

	step(driver, time.Now())
	assert.Equal(t, ModeTDoA3, driver.CurrentMode())
	assert.Zero(t, set.twr.initCount())
	assert.Equal(t, 1, set.tdoa3.initCount())
}

func TestStartFailsOnBadDeviceID(t *testing.T) {
	set := newFakeSet()
	ops := newMemOps()
	ops.devID = 0xDEADBEEF

	driver, err := New(dw1000.New(ops), set.builder, nil)
	require.NoError(t, err)

	err = driver.Start(context.Background())
	require.Error(t, err)
	assert.False(t, driver.Initialized())

	// Every operation fails via the uninitialized path.
	assert.ErrorIs(t, driver.SendLppShort(1, []byte{0x01}), ErrNotInitialized)
	_, ok := driver.GetAnchorPosition(1)
	assert.False(t, ok)
}

func TestUninitializedAccess(t *testing.T) {
	set := newFakeSet()
	driver := newTestDriver(t, set)

	assert.ErrorIs(t, driver.SendLppShort(3, []byte{0x01, 0x02}), ErrNotInitialized)
	_, ok := driver.GetAnchorPosition(3)
	assert.False(t, ok)
}

func TestSchedulerDispatchesTimeouts(t *testing.T) {
	set := newFakeSet()
	set.tdoa2.timeout = 10 * time.Millisecond

	driver, err := New(dw1000.New(newMemOps()), set.builder, &Options{SwitchPeriod: time.Hour})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background()))
	defer driver.Stop()

	// One synthetic timeout at adoption, then one per elapsed wait
	// bound. With a 10ms bound there must be several well before the
	// deadline.
	require.Eventually(t, func() bool {
		return set.tdoa2.countEvents(EventTimeout) >= 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoalescedInterruptsAreDrained(t *testing.T) {
	set := newFakeSet()
	ops := newMemOps()

	driver, err := New(dw1000.New(ops), set.builder, &Options{SwitchPeriod: time.Hour})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background()))
	defer driver.Stop()

	require.Eventually(t, func() bool {
		return driver.CurrentMode() == DefaultMode
	}, time.Second, time.Millisecond)

	// Two hardware events assert the line before the scheduler wakes;
	// the single coalesced notification must produce exactly two
	// dispatches, drained without returning to the outer wait.
	ops.pushStatus(dw1000.StatusRXFCG, dw1000.StatusRXFCG)
	driver.NotifyInterrupt()

	require.Eventually(t, func() bool {
		return set.tdoa2.countEvents(EventPacketReceived) == 2
	}, 2*time.Second, time.Millisecond)

	// And no more than two: a stale extra wake must be a no-op.
	driver.NotifyInterrupt()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, set.tdoa2.countEvents(EventPacketReceived))
}

func TestAnchorQueriesNeverSeeHalfInitializedAlgorithm(t *testing.T) {
	posTWR := Point{X: 1, Y: 2, Z: 3}
	posTDoA2 := Point{X: 4, Y: 5, Z: 6}

	set := newFakeSet()
	set.twr.pos = map[uint8]Point{1: posTWR}
	set.tdoa2.pos = map[uint8]Point{1: posTDoA2}

	driver := newTestDriver(t, set)
	driver.initialized.Store(true)

	driver.SetMode(ModeTWR)
	step(driver, time.Now())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, ok := driver.GetAnchorPosition(1)
				assert.True(t, ok)
				assert.True(t, p == posTWR || p == posTDoA2, "mixed state observed: %+v", p)
			}
		}()
	}

	// Flip between algorithms while the queries hammer the guard.
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			driver.SetMode(ModeTDoA2)
		} else {
			driver.SetMode(ModeTWR)
		}
		step(driver, time.Now())
	}
	close(stop)
	wg.Wait()
}

func TestStopTerminatesScheduler(t *testing.T) {
	set := newFakeSet()
	driver, err := New(dw1000.New(newMemOps()), set.builder, &Options{SwitchPeriod: time.Hour})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		driver.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not terminate the scheduler")
	}
}

func TestStopWithWedgedInterruptLine(t *testing.T) {
	set := newFakeSet()
	ops := newMemOps()
	// The status read fails and never pops the queue, so the IRQ line
	// reads asserted forever. The drain must give up rather than spin.
	ops.failStatus(errors.New("bridge detached"))
	ops.pushStatus(dw1000.StatusRXFCG)

	driver, err := New(dw1000.New(ops), set.builder, &Options{SwitchPeriod: time.Hour})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background()))
	driver.NotifyInterrupt()

	done := make(chan struct{})
	go func() {
		driver.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind a wedged interrupt line")
	}
}

func TestRegistryValidation(t *testing.T) {
	dev := dw1000.New(newMemOps())

	_, err := New(dev, func(Host) Registry { return Registry{} }, nil)
	assert.ErrorIs(t, err, ErrEmptyRegistry)

	_, err = New(dev, func(Host) Registry {
		return Registry{ModeAuto: {Algorithm: &fakeAlgo{}, Name: "bogus"}}
	}, nil)
	assert.ErrorIs(t, err, ErrEmptyRegistry)

	_, err = New(dev, func(Host) Registry {
		return Registry{ModeTWR: {Algorithm: &fakeAlgo{}, Name: "TWR"}}
	}, nil)
	assert.ErrorIs(t, err, ErrEmptyRegistry)
}
