package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FabLabAQ/Marvin/host/timeutil"
	"github.com/FabLabAQ/Marvin/protocol"
	"github.com/FabLabAQ/Marvin/sequence"
)

// fakeLink records every packet the session sends
type fakeLink struct {
	sent     [][]byte
	in       chan []byte
	errs     chan error
	closed   bool
	sendErr  error
	closeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan []byte, 16), errs: make(chan error, 4)}
}

func (f *fakeLink) Send(encode func(out protocol.OutputBuffer)) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	out := protocol.NewScratchOutput()
	encode(out)
	f.sent = append(f.sent, append([]byte(nil), out.Result()...))
	return nil
}

func (f *fakeLink) Incoming() <-chan []byte { return f.in }
func (f *fakeLink) Errors() <-chan error    { return f.errs }

func (f *fakeLink) Close() error {
	f.closed = true
	return f.closeErr
}

// tags returns the first byte of every sent packet and forgets them
func (f *fakeLink) tags() string {
	var b strings.Builder
	for _, p := range f.sent {
		b.WriteByte(p[0])
	}
	f.sent = nil
	return b.String()
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	opts.Open = func(name string, baud int) (Link, error) {
		return link, nil
	}
	s := New(opts)
	require.NoError(t, s.OpenLink("fake", 115200))
	return s, link
}

func testSequence(t *testing.T, dim, n int) *sequence.Sequence {
	t.Helper()
	points := make([]sequence.Point, n)
	for i := range points {
		coords := make([]float64, dim)
		for j := range coords {
			coords[j] = float64(10*i + j)
		}
		points[i] = sequence.Point{Coords: coords, Duration: 100, TimeToTarget: 50}
	}
	seq, err := sequence.FromPoints(sequence.DefaultLimits(dim), points)
	require.NoError(t, err)
	return seq
}

func TestFlowControl(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 1, 10)

	require.NoError(t, s.StartStream(seq, false))
	assert.Equal(t, "SP", link.tags())
	assert.Equal(t, 1, seq.Current())

	s.HandleIncoming([]byte{'N', 'N', 'F'})
	assert.Equal(t, "PP", link.tags())
	assert.True(t, s.HardwareQueueFull())

	s.HandleIncoming([]byte{'N'})
	assert.Equal(t, "P", link.tags())
	assert.False(t, s.HardwareQueueFull())
	assert.Equal(t, 4, seq.Current())
}

func TestFlowControlSingleChunk(t *testing.T) {
	s, link := newTestSession(t, Options{})
	require.NoError(t, s.StartStream(testSequence(t, 1, 10), false))
	link.tags()

	s.HandleIncoming([]byte{'N', 'N', 'F', 'N'})
	assert.Equal(t, "PPP", link.tags())
	assert.False(t, s.HardwareQueueFull())
}

func TestOneShotEndToEnd(t *testing.T) {
	s, link := newTestSession(t, Options{OneShot: true})
	seq := testSequence(t, 2, 3)

	var cursor []int
	reg := seq.Observe(func(c sequence.Change) {
		if c.Kind == sequence.CurrentChanged {
			cursor = append(cursor, c.Index)
		}
	})
	defer reg.Release()

	require.NoError(t, s.StartStream(seq, false))
	assert.Equal(t, []byte{protocol.TagStartStream, 2}, link.sent[0])

	s.HandleIncoming([]byte{'N'})
	s.HandleIncoming([]byte{'N'})
	assert.True(t, s.IsStopping(), "one-shot stops after the last point")
	s.HandleIncoming([]byte{'N'})
	s.HandleIncoming([]byte{'E'})

	assert.Equal(t, "SPPPH", link.tags())
	assert.Equal(t, []int{1, 2}, cursor)
	assert.Equal(t, ModeIdle, s.Mode())
	assert.Nil(t, s.Sequence())

	s.HandleIncoming([]byte{'N', 'F', 'E'})
	assert.Empty(t, link.tags(), "nothing is sent after the stream ended")
}

func TestWrapAround(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 1, 2)

	require.NoError(t, s.StartStream(seq, false))
	s.HandleIncoming([]byte{'N', 'N', 'N'})

	var coords []uint8
	for _, p := range link.sent[1:] {
		pt, _, err := protocol.DecodePoint(p, 1)
		require.NoError(t, err)
		coords = append(coords, pt.Coords[0])
	}
	assert.Equal(t, []uint8{0, 10, 0, 10}, coords)
	assert.True(t, s.IsStreaming())
}

func TestStartFromCurrent(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 1, 5)
	seq.SetCurrent(3)

	require.NoError(t, s.StartStream(seq, true))
	pt, _, err := protocol.DecodePoint(link.sent[1], 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(30), pt.Coords[0])
	assert.Equal(t, 4, seq.Current())
}

func TestDesyncReportsOnce(t *testing.T) {
	var reported []error
	s, link := newTestSession(t, Options{Hooks: Hooks{
		ProtocolError: func(err error) { reported = append(reported, err) },
	}})
	require.NoError(t, s.StartStream(testSequence(t, 1, 10), false))
	link.tags()

	s.HandleIncoming([]byte{'N', 'Z', 'N'})

	require.Len(t, reported, 1)
	var tagErr *protocol.UnknownTagError
	require.ErrorAs(t, reported[0], &tagErr)
	assert.Equal(t, byte('Z'), tagErr.Tag)
	assert.ErrorIs(t, reported[0], protocol.ErrUnknownTag)
	assert.Equal(t, "PP", link.tags())
	assert.Equal(t, 1, s.ProtocolErrors())
}

func TestModeExclusivity(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 2, 3)

	assert.ErrorIs(t, s.PauseStream(), ErrNotStreamMode)
	assert.ErrorIs(t, s.ResumeStream(), ErrNotStreamMode)
	assert.ErrorIs(t, s.Stop(), ErrIdle)

	require.NoError(t, s.StartImmediate(seq))
	link.tags()
	before := s.State()

	assert.ErrorIs(t, s.PauseStream(), ErrNotStreamMode)
	assert.ErrorIs(t, s.StartStream(seq, false), ErrBusy)
	assert.ErrorIs(t, s.StartImmediate(seq), ErrBusy)
	assert.ErrorIs(t, s.OpenLink("other", 9600), ErrStreaming)
	assert.ErrorIs(t, s.CloseLink(), ErrStreaming)

	assert.Equal(t, before, s.State())
	assert.Empty(t, link.tags())
	assert.False(t, link.closed)
}

func TestStartRequirements(t *testing.T) {
	s := New(Options{})
	assert.ErrorIs(t, s.StartStream(testSequence(t, 1, 1), false), ErrNotConnected)

	s, _ = newTestSession(t, Options{})
	empty, err := sequence.New(sequence.DefaultLimits(2))
	require.NoError(t, err)
	assert.ErrorIs(t, s.StartStream(empty, false), ErrEmptySequence)
	assert.ErrorIs(t, s.StartImmediate(nil), ErrEmptySequence)
	assert.ErrorIs(t, s.StartStream(testSequence(t, protocol.MaxPointDim+1, 1), false), ErrDimension)
	assert.False(t, s.IsStreaming())
}

func TestPauseRetainsAndReplays(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 1, 10)
	require.NoError(t, s.StartStream(seq, false))
	link.tags()

	require.NoError(t, s.PauseStream())
	assert.ErrorIs(t, s.PauseStream(), ErrAlreadyPaused)
	assert.True(t, s.IsPaused())

	s.HandleIncoming([]byte{'N', 'D', 2, 'h', 'i', 'F', 'N'})
	assert.Empty(t, link.tags(), "no points while paused")
	assert.False(t, s.HardwareQueueFull())
	assert.Equal(t, 1, seq.Current())

	require.NoError(t, s.ResumeStream())
	assert.Equal(t, "PP", link.tags(), "retained N packets replay in order")
	assert.False(t, s.HardwareQueueFull(), "the last retained packet was N")
	assert.Equal(t, 3, seq.Current())
	assert.ErrorIs(t, s.ResumeStream(), ErrNotPaused)
}

func TestStopWaitsForFinished(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 1, 10)
	require.NoError(t, s.StartStream(seq, false))
	require.NoError(t, s.PauseStream())
	s.HandleIncoming([]byte{'N'})
	link.tags()

	require.NoError(t, s.Stop())
	assert.Equal(t, "H", link.tags())
	assert.True(t, s.IsStopping())
	assert.False(t, s.IsPaused())
	assert.ErrorIs(t, s.Stop(), ErrStopping)
	assert.ErrorIs(t, s.PauseStream(), ErrStopping)
	assert.ErrorIs(t, s.ResumeStream(), ErrStopping)

	s.HandleIncoming([]byte{'N', 'F'})
	assert.Empty(t, link.tags(), "flow control is drained while stopping")
	assert.True(t, s.IsStreaming())

	s.HandleIncoming([]byte{'E'})
	assert.Equal(t, ModeIdle, s.Mode())
	assert.False(t, s.IsStopping())
}

func TestImmediateFollowsCursor(t *testing.T) {
	s, link := newTestSession(t, Options{})
	seq := testSequence(t, 2, 4)

	require.NoError(t, s.StartImmediate(seq))
	assert.Equal(t, []byte{protocol.TagStartImmediate, 2}, link.sent[0])
	assert.Equal(t, "IP", link.tags())

	seq.SetCurrent(2)
	pt, _, err := protocol.DecodePoint(link.sent[0], 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{20, 21}, pt.Coordinates())

	require.NoError(t, seq.SetCurrentPoint(sequence.Point{Coords: []float64{1, 2}}))
	seq.Append(sequence.Point{Coords: []float64{3, 4}})
	assert.Equal(t, "PP", link.tags(), "appending does not move the cursor")

	s.HandleIncoming([]byte{'N', 'F'})
	assert.Empty(t, link.tags(), "immediate mode ignores flow control")

	require.NoError(t, s.Stop())
	assert.Equal(t, "H", link.tags())
	assert.Equal(t, ModeIdle, s.Mode())

	seq.SetCurrent(0)
	assert.Empty(t, link.tags(), "observer released on stop")
}

func TestBootDelay(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s, link := newTestSession(t, Options{Clock: clock, BootDelay: time.Second})
	seq := testSequence(t, 1, 5)

	require.True(t, s.Booting())
	require.NoError(t, s.StartStream(seq, false))
	assert.Empty(t, link.tags(), "nothing is sent while the controller boots")

	clock.Advance(time.Second)
	select {
	case <-s.bootTimer.C():
	default:
		t.Fatal("boot timer did not fire")
	}
	s.bootElapsed()

	assert.False(t, s.Booting())
	assert.Equal(t, "SP", link.tags())
	assert.Equal(t, 1, seq.Current())
}

func TestStopDuringBootSendsNothing(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s, link := newTestSession(t, Options{Clock: clock, BootDelay: time.Second})
	seq := testSequence(t, 1, 5)

	require.NoError(t, s.StartStream(seq, false))
	require.NoError(t, s.Stop())
	assert.Empty(t, link.tags(), "the controller never started, so there is nothing to stop")
	assert.Equal(t, ModeIdle, s.Mode())
	assert.False(t, s.IsStopping())
	assert.True(t, s.Booting(), "the boot delay still applies to the next start")

	clock.Advance(time.Second)
	s.bootElapsed()
	assert.Empty(t, link.tags(), "boot completion must not start a stopped stream")
	assert.Equal(t, 0, seq.Current())

	require.NoError(t, s.StartStream(seq, false))
	assert.Equal(t, "SP", link.tags())
}

func TestAbortWhileStopping(t *testing.T) {
	s, link := newTestSession(t, Options{})
	require.ErrorIs(t, s.Abort(), ErrIdle)

	require.NoError(t, s.StartStream(testSequence(t, 1, 3), false))
	require.NoError(t, s.Stop())
	require.True(t, s.IsStopping())

	require.NoError(t, s.Abort())
	assert.Equal(t, ModeIdle, s.Mode())
	assert.False(t, s.IsStopping())
	assert.Equal(t, "SPH", link.tags(), "abort sends nothing")
	require.NoError(t, s.CloseLink())
}

func TestImmediateWaitsForBoot(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s, link := newTestSession(t, Options{Clock: clock, BootDelay: time.Second})
	seq := testSequence(t, 1, 5)

	require.NoError(t, s.StartImmediate(seq))
	seq.SetCurrent(3)
	assert.Empty(t, link.tags())

	clock.Advance(time.Second)
	s.bootElapsed()
	require.Len(t, link.sent, 2)
	pt, _, err := protocol.DecodePoint(link.sent[1], 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(30), pt.Coords[0])
}

func TestBootElapsedWhileIdle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s, link := newTestSession(t, Options{Clock: clock, BootDelay: time.Second})

	clock.Advance(time.Second)
	s.bootElapsed()
	assert.Empty(t, link.tags())

	require.NoError(t, s.StartStream(testSequence(t, 1, 2), false))
	assert.Equal(t, "SP", link.tags(), "start after boot sends at once")
}

func TestLinkLifecycle(t *testing.T) {
	var states []State
	s, link := newTestSession(t, Options{Hooks: Hooks{
		StateChanged: func(st State) { states = append(states, st) },
	}})
	assert.True(t, s.IsConnected())

	require.NoError(t, s.CloseLink())
	assert.True(t, link.closed)
	assert.False(t, s.IsConnected())
	require.NoError(t, s.CloseLink(), "closing twice is fine")

	want := []State{{Connected: true}, {Connected: false}}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("state changes mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenLinkReplacesAndFails(t *testing.T) {
	first := newFakeLink()
	opened := 0
	openErr := errors.New("no such device")
	s := New(Options{Open: func(name string, baud int) (Link, error) {
		opened++
		switch opened {
		case 1:
			return first, nil
		case 2:
			return newFakeLink(), nil
		default:
			return nil, openErr
		}
	}})

	require.NoError(t, s.OpenLink("a", 0))
	require.NoError(t, s.OpenLink("b", 0))
	assert.True(t, first.closed, "opening replaces the previous link")

	err := s.OpenLink("c", 0)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "open", linkErr.Op)
	assert.ErrorIs(t, err, openErr)
	assert.False(t, s.IsConnected())
}

func TestStatusPackets(t *testing.T) {
	var messages []string
	var charges []float64
	s, _ := newTestSession(t, Options{Hooks: Hooks{
		DebugMessage:  func(msg string) { messages = append(messages, msg) },
		BatteryCharge: func(p float64) { charges = append(charges, p) },
	}})
	assert.Equal(t, -1.0, s.BatteryCharge())

	s.HandleIncoming([]byte{'D', 5, 'h', 'e'})
	assert.Empty(t, messages, "partial debug packet waits")
	s.HandleIncoming([]byte{'l', 'l', 'o', 'B'})
	assert.Equal(t, []string{"hello"}, messages)
	assert.Empty(t, charges, "battery level byte still missing")

	s.HandleIncoming([]byte{255})
	assert.Equal(t, []float64{100}, charges)
	assert.Equal(t, 100.0, s.BatteryCharge())

	s.HandleIncoming([]byte{'E'})
	assert.Equal(t, ModeIdle, s.Mode(), "stray E is ignored")
}

func TestSendFailure(t *testing.T) {
	var linkErrs []error
	s, link := newTestSession(t, Options{Hooks: Hooks{
		LinkError: func(err error) { linkErrs = append(linkErrs, err) },
	}})
	seq := testSequence(t, 1, 5)
	require.NoError(t, s.StartStream(seq, false))

	writeErr := errors.New("cable pulled")
	link.sendErr = writeErr
	s.HandleIncoming([]byte{'N'})
	require.Len(t, linkErrs, 1)
	assert.ErrorIs(t, linkErrs[0], writeErr)
	assert.Equal(t, 1, seq.Current(), "cursor stays on the unsent point")

	err := s.Stop()
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, ModeIdle, s.Mode())
}

func TestWirePoint(t *testing.T) {
	p := wirePoint(sequence.Point{
		Coords:       []float64{-3, 12.5, 12.49, 300, 254.6},
		Duration:     70000,
		TimeToTarget: -1,
	})
	assert.Equal(t, []uint8{0, 13, 12, 255, 255}, p.Coordinates())
	assert.Equal(t, uint16(65535), p.Duration)
	assert.Equal(t, uint16(0), p.TimeToTarget)

	long := make([]float64, protocol.MaxPointDim+2)
	assert.Equal(t, uint8(protocol.MaxPointDim), wirePoint(sequence.Point{Coords: long}).Dim)
}
