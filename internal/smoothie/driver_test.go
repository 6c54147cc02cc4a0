package smoothie

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/deckbot/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const homedReply = "ok MCS: X:418.0000 Y:353.0000 Z:218.0000 A:218.0000 B:19.0000 C:19.0000\nok"

// scriptedTransport records every command and answers through reply, which
// receives the 1-based attempt number.
type scriptedTransport struct {
	mu       sync.Mutex
	commands []string
	reply    func(n int, command string) (string, error)
}

func (s *scriptedTransport) WriteAndReturn(_ context.Context, command string, _ time.Duration, _ func(string) bool) (string, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	n := len(s.commands)
	s.mu.Unlock()
	if s.reply == nil {
		return defaultReply(command), nil
	}
	return s.reply(n, command)
}

func (s *scriptedTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func defaultReply(command string) string {
	if strings.HasPrefix(command, gcodePosition) {
		return homedReply
	}
	return "ok"
}

func newTestDriver(t *testing.T, tr Transport) (*Driver, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	return New(tr, DefaultConfig(), WithClock(clock)), clock
}

func TestMoveCommandFormat(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)

	require.NoError(t, d.Move(context.Background(), map[string]float64{"X": 10, "Y": 20.12345}))

	want := []string{
		"M907 A0.1 B0.05 C0.05 X1.25 Y1.5 Z0.1 G4P0.005 G0X10Y20.123 M400",
		"M907 A0.1 B0.05 C0.05 X0.3 Y0.3 Z0.1 G4P0.005 M400",
	}
	if diff := cmp.Diff(want, tr.sent()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	pos := d.Position()
	assert.Equal(t, 10.0, pos["X"])
	assert.Equal(t, 20.123, pos["Y"])
	assert.Equal(t, 218.0, pos["Z"])
	assert.True(t, d.Engaged()["X"])
	assert.False(t, d.Engaged()["Z"])
}

func TestMovePlungerBacklash(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)
	ctx := context.Background()

	require.NoError(t, d.Move(ctx, map[string]float64{"B": 2}))
	require.NoError(t, d.Move(ctx, map[string]float64{"B": 5, "C": 4}))

	sent := tr.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, "M907 A0.1 B0.5 C0.05 X0.3 Y0.3 Z0.1 G4P0.005 G0B2 M400", sent[0])
	// B rises from 2 so it overshoots; C falls from 19 so it does not
	assert.Equal(t, "M907 A0.1 B0.5 C0.5 X0.3 Y0.3 Z0.1 G4P0.005 G0B5.3C4 G0B5C4 M400", sent[2])
}

func TestMoveSkipsAxesAlreadyThere(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)

	require.NoError(t, d.Move(context.Background(), map[string]float64{"X": 418, "Z": 218.0001}))
	assert.Empty(t, tr.sent())
}

func TestMoveRejectsUnknownAxis(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)

	err := d.Move(context.Background(), map[string]float64{"Q": 1})
	require.Error(t, err)
	assert.Empty(t, tr.sent())
}

func TestRetryTransientFailures(t *testing.T) {
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		if n <= 2 {
			return "", ErrNoResponse
		}
		return "ok", nil
	}}
	d, clock := newTestDriver(t, tr)

	require.NoError(t, d.ClearAlarm(context.Background()))
	assert.Equal(t, []string{"M999 M400", "M999 M400", "M999 M400"}, tr.sent())
	assert.Len(t, clock.Sleeps(), 2)
}

func TestRetryBudgetExhausted(t *testing.T) {
	tr := &scriptedTransport{reply: func(int, string) (string, error) {
		return "", ErrNoResponse
	}}
	d, _ := newTestDriver(t, tr)

	err := d.ClearAlarm(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse))
	assert.Len(t, tr.sent(), 3, "no attempts beyond the budget")
}

func TestNonTransientErrorIsNotRetried(t *testing.T) {
	tr := &scriptedTransport{reply: func(int, string) (string, error) {
		return "", errors.New("port unplugged")
	}}
	d, _ := newTestDriver(t, tr)

	require.Error(t, d.ClearAlarm(context.Background()))
	assert.Len(t, tr.sent(), 1)
}

func TestLimitSwitchRecovery(t *testing.T) {
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		if n == 1 {
			return "ALARM: Hard limit +C", nil
		}
		if strings.HasPrefix(command, gcodePosition) {
			return homedReply, nil
		}
		return "ok", nil
	}}
	d, _ := newTestDriver(t, tr)
	before := d.ActiveCurrent()

	err := d.Move(context.Background(), map[string]float64{"C": 100})

	var fault *HardwareFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "C", fault.Axis)
	assert.True(t, fault.Recovered)
	assert.True(t, IsHardLimit(err))

	want := []string{
		"M907 A0.1 B0.05 C0.5 X0.3 Y0.3 Z0.1 G4P0.005 G0C100.3 G0C100 M400",
		"M999 M400",
		"M907 A0.1 B0.05 C0.5 X0.3 Y0.3 Z0.1 G4P0.005 G28.2C M400",
		"M907 A0.1 B0.05 C0.05 X0.3 Y0.3 Z0.1 G4P0.005 M400",
		"M114.2 M400",
	}
	if diff := cmp.Diff(want, tr.sent()); diff != "" {
		t.Errorf("recovery sequence mismatch (-want +got):\n%s", diff)
	}

	homed := d.Homed()
	for _, ax := range "XYZAB" {
		assert.False(t, homed[string(ax)], "axis %c should not be marked homed", ax)
	}
	assert.True(t, homed["C"])
	assert.Equal(t, before, d.ActiveCurrent())
	assert.Equal(t, 19.0, d.Position()["C"])
}

func TestLimitRecoveryHomesOnlyFaultedAxis(t *testing.T) {
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		if n == 1 {
			return "ALARM: Hard limit +X", nil
		}
		if strings.HasPrefix(command, gcodePosition) {
			return homedReply, nil
		}
		return "ok", nil
	}}
	d, _ := newTestDriver(t, tr)

	err := d.Move(context.Background(), map[string]float64{"X": 100})

	var fault *HardwareFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "X", fault.Axis)
	assert.True(t, fault.Recovered)

	var homes []string
	for _, c := range tr.sent() {
		if strings.Contains(c, gcodeHome) {
			homes = append(homes, c)
		}
	}
	require.Len(t, homes, 1, "sent %q", tr.sent())
	assert.True(t, strings.HasSuffix(homes[0], " G28.2X M400"), homes[0])

	homed := d.Homed()
	for _, ax := range "YZABC" {
		assert.False(t, homed[string(ax)], "axis %c should not be marked homed", ax)
	}
	assert.True(t, homed["X"])
	assert.False(t, d.Engaged()["Z"])
	assert.False(t, d.Engaged()["A"])
}

func TestAlarmOutsideMoveIsReported(t *testing.T) {
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		return "error: Alarm lock", nil
	}}
	d, _ := newTestDriver(t, tr)

	err := d.Disengage(context.Background(), "x")
	var fault *HardwareFault
	require.ErrorAs(t, err, &fault)
	assert.Empty(t, fault.Axis)
	assert.False(t, IsHardLimit(err))
}

func TestHomeOrdering(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)

	pos, err := d.Home(context.Background(), "xy")
	require.NoError(t, err)
	assert.Equal(t, 418.0, pos["X"])

	want := []string{
		"M907 A1 B0.05 C0.05 X0.3 Y0.3 Z1 G4P0.005 G28.2ZA M400",
		"M907 A0.1 B0.05 C0.05 X1.25 Y0.3 Z0.1 G4P0.005 G28.2X M400",
		"M907 A0.1 B0.05 C0.05 X0.3 Y1.5 Z0.1 G4P0.005 G28.2Y M400",
		"M907 A0.1 B0.05 C0.05 X0.3 Y0.3 Z0.1 G4P0.005 M400",
		"M114.2 M400",
	}
	if diff := cmp.Diff(want, tr.sent()); diff != "" {
		t.Errorf("home sequence mismatch (-want +got):\n%s", diff)
	}
	homed := d.Homed()
	assert.True(t, homed["X"] && homed["Y"] && homed["Z"] && homed["A"])
	assert.False(t, homed["B"] || homed["C"])
}

func TestPositionToleratesOneBadRead(t *testing.T) {
	calls := 0
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		calls++
		if calls == 1 {
			return "ok MCS: X:1 Y:2 Z:30A:40 B:0 C:0\nok", nil
		}
		return "ok MCS: X:1 Y:2 Z:3 A:4 B:5 C:6\nok", nil
	}}
	d, _ := newTestDriver(t, tr)

	pos, err := d.UpdatePosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"X": 1, "Y": 2, "Z": 3, "A": 4, "B": 5, "C": 6}, pos)
	assert.Len(t, tr.sent(), 2)
}

func TestPositionTwoBadReadsAreFatal(t *testing.T) {
	tr := &scriptedTransport{reply: func(int, string) (string, error) {
		return "ok MCS: X:1 Y:2\nok", nil
	}}
	d, _ := newTestDriver(t, tr)

	_, err := d.UpdatePosition(context.Background())
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, tr.sent(), 2)
	assert.Equal(t, 418.0, d.Position()["X"], "position must not be defaulted")
}

func TestActiveCurrentStack(t *testing.T) {
	d, _ := newTestDriver(t, &scriptedTransport{})

	d.PushActiveCurrent()
	require.NoError(t, d.SetActiveCurrent(map[string]float64{"Z": 0.6}))
	cur := d.ActiveCurrent()
	assert.Equal(t, 0.6, cur["Z"])
	assert.Equal(t, 1.0, cur["A"], "sibling axis disturbed")

	require.NoError(t, d.PopActiveCurrent())
	assert.Equal(t, 1.0, d.ActiveCurrent()["Z"])
	assert.Error(t, d.PopActiveCurrent())

	assert.Error(t, d.SetActiveCurrent(map[string]float64{"Z": -0.1}))
	assert.Error(t, d.SetDwellingCurrent(map[string]float64{"W": 0.1}))
}

func TestPickUpCurrentAppliedDuringMove(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)

	d.PushActiveCurrent()
	require.NoError(t, d.SetActiveCurrent(map[string]float64{"Z": 0.1}))
	require.NoError(t, d.Move(context.Background(), map[string]float64{"Z": 100}))
	require.NoError(t, d.PopActiveCurrent())

	assert.True(t, strings.HasPrefix(tr.sent()[0], "M907 A0.1 B0.05 C0.05 X0.3 Y0.3 Z0.1 G4P0.005 G0Z100"))
}

func TestPauseBlocksMotionButNotQueries(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)
	ctx := context.Background()

	d.Pause()
	d.Pause() // idempotent
	assert.True(t, d.Gate().Paused())

	done := make(chan error, 1)
	go func() {
		done <- d.Move(ctx, map[string]float64{"X": 100})
	}()

	_, err := d.UpdatePosition(ctx)
	require.NoError(t, err)
	select {
	case <-done:
		t.Fatal("move ran while paused")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, []string{"M114.2 M400"}, tr.sent())

	d.Resume()
	d.Resume()
	require.NoError(t, <-done)
	assert.Equal(t, 100.0, d.Position()["X"])
}

func TestPausedMoveHonoursContext(t *testing.T) {
	d, _ := newTestDriver(t, &scriptedTransport{})
	d.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.Move(ctx, map[string]float64{"X": 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisengageAndSpeed(t *testing.T) {
	tr := &scriptedTransport{}
	d, _ := newTestDriver(t, tr)
	ctx := context.Background()

	_, err := d.Home(ctx, "XYZABC")
	require.NoError(t, err)
	require.NoError(t, d.Disengage(ctx, "zx"))
	engaged := d.Engaged()
	assert.False(t, engaged["X"])
	assert.False(t, engaged["Z"])
	assert.True(t, engaged["Y"])

	require.NoError(t, d.SetSpeed(ctx, 100))
	d.PushSpeed()
	require.NoError(t, d.SetSpeed(ctx, 50))
	require.NoError(t, d.PopSpeed(ctx))
	require.NoError(t, d.SetAxisMaxSpeed(ctx, map[string]float64{"Y": 600, "X": 600}))
	assert.Error(t, d.PopSpeed(ctx))

	sent := tr.sent()
	tail := sent[len(sent)-5:]
	assert.Equal(t, []string{
		"M18XZ M400",
		"G0F6000 M400",
		"G0F3000 M400",
		"G0F6000 M400",
		"M203.1 X600 Y600 M400",
	}, tail)
}

func TestReadPipetteModel(t *testing.T) {
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		if command == "M371 R M400" {
			// "p300_single_v1" padded with zero bytes
			return "R:703330305f73696e676c655f76310000\nok", nil
		}
		return "L:\nok", nil
	}}
	d, _ := newTestDriver(t, tr)
	ctx := context.Background()

	model, err := d.ReadPipetteModel(ctx, "right")
	require.NoError(t, err)
	assert.Equal(t, "p300_single_v1", model)

	model, err = d.ReadPipetteModel(ctx, "left")
	require.NoError(t, err)
	assert.Empty(t, model)

	_, err = d.ReadPipetteModel(ctx, "middle")
	assert.Error(t, err)
}

func TestMetricsCountTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := &scriptedTransport{reply: func(n int, command string) (string, error) {
		if n == 1 {
			return "", ErrNoResponse
		}
		return defaultReply(command), nil
	}}
	d := New(tr, DefaultConfig(), WithClock(timeutil.NewMockClock(time.Unix(0, 0))), WithMetrics(m))

	_, err := d.UpdatePosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("M114.2")))
}

func TestGcodeName(t *testing.T) {
	cases := map[string]string{
		"M907 A0.1 B0.05 C0.5 X0.3 Y0.3 Z0.1 G4P0.005 G0C100.3 G0C100": "G0",
		"M907 A1 B0.05 C0.05 X0.3 Y0.3 Z1 G4P0.005 G28.2ZA":            "G28.2",
		"M907 A0.1 B0.05 C0.05 X0.3 Y0.3 Z0.1 G4P0.005":                "M907",
		"M114.2": "M114.2",
		"M18XZ":  "M18",
		"M371 L": "M371",
	}
	for in, want := range cases {
		assert.Equal(t, want, gcodeName(in), in)
	}
}
