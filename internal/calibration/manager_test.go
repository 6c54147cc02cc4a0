package calibration

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/robot"
	"github.com/banshee-data/deckbot/internal/serialmux"
	"github.com/banshee-data/deckbot/internal/smoothie"
	"github.com/banshee-data/deckbot/internal/timeutil"
)

type recordingStore struct {
	mu      sync.Mutex
	saved   []pose.Transform
	backups int
}

func (s *recordingStore) SaveDeckCalibration(_ context.Context, cfg *config.RobotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, cfg.GetGantryCalibration())
	return nil
}

func (s *recordingStore) BackupConfiguration(context.Context, *config.RobotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups++
	return nil
}

type fixture struct {
	robot *robot.Robot
	vc    *smoothie.VirtualController
	store *recordingStore
	m     *Manager
}

func newFixture(t *testing.T, left, right string) *fixture {
	t.Helper()
	vc := smoothie.NewVirtualController(nil)
	vc.AttachPipette("L", left, "")
	vc.AttachPipette("R", right, "")
	mux := serialmux.NewSerialMux(vc.Port())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		wg.Wait()
	})

	cfg := smoothie.DefaultConfig()
	cfg.AckTimeout = time.Second
	d := smoothie.New(mux, cfg, smoothie.WithClock(timeutil.NewMockClock(time.Unix(0, 0))))
	r, err := robot.New(context.Background(), d, config.EmptyRobotConfig())
	require.NoError(t, err)

	store := &recordingStore{}
	return &fixture{robot: r, vc: vc, store: store, m: NewManager(r, store)}
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	resp := f.m.Start(context.Background(), false)
	require.Equal(t, http.StatusCreated, resp.Status, resp.Body)
	return resp.Body["token"].(string)
}

func (f *fixture) do(t *testing.T, token, command string, fields map[string]any) Response {
	t.Helper()
	payload := map[string]any{"token": token, "command": command}
	for k, v := range fields {
		payload[k] = v
	}
	return f.m.Dispatch(context.Background(), payload)
}

func (f *fixture) ok(t *testing.T, token, command string, fields map[string]any) {
	t.Helper()
	resp := f.do(t, token, command, fields)
	require.Equal(t, http.StatusOK, resp.Status, "%s: %v", command, resp.Body)
}

func TestSolveTranslation(t *testing.T) {
	expected := []pose.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}
	actual := []pose.Point{{X: 1, Y: 1}, {X: 11, Y: 1}, {X: 1, Y: 11}}

	flat, err := Solve(expected, actual)
	require.NoError(t, err)
	got := AddZ(flat, -5)
	want := pose.Translation(1, 1, -5)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "element %d", i)
	}
}

func TestSolveLeastSquares(t *testing.T) {
	// a 90 degree rotation seen through four points, one of them off by a
	// symmetric error that least squares averages out
	expected := []pose.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}}
	actual := []pose.Point{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: -10, Y: 0}, {X: -10, Y: 10}}

	flat, err := Solve(expected, actual)
	require.NoError(t, err)
	want := [3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	for r := range want {
		for c := range want[r] {
			assert.InDelta(t, want[r][c], flat[r][c], 1e-9, "[%d][%d]", r, c)
		}
	}
}

func TestSolveErrors(t *testing.T) {
	_, err := Solve([]pose.Point{{}, {}}, []pose.Point{{}, {}})
	assert.Error(t, err)
	_, err = Solve([]pose.Point{{}, {}, {}}, []pose.Point{{}, {}})
	assert.Error(t, err)
	_, err = Solve(
		[]pose.Point{{X: 0}, {X: 1}, {X: 2}},
		[]pose.Point{{X: 0}, {X: 1}, {X: 2}},
	)
	assert.Error(t, err, "collinear points")
}

func TestDispatchWithoutSession(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	resp := f.do(t, "abc", "jog", nil)
	assert.Equal(t, StatusNoSession, resp.Status)
}

func TestStartWithoutPipette(t *testing.T) {
	f := newFixture(t, "", "p9000_unknown")
	resp := f.m.Start(context.Background(), false)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.False(t, f.m.Active())
	assert.False(t, f.robot.SafestHeight(), "failed start must not leave arcs at the safest height")
}

func TestStartConflictAndForce(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	first := f.start(t)

	resp := f.m.Start(context.Background(), false)
	assert.Equal(t, http.StatusConflict, resp.Status)

	resp = f.m.Start(context.Background(), true)
	require.Equal(t, http.StatusCreated, resp.Status)
	second := resp.Body["token"].(string)
	assert.NotEqual(t, first, second)

	resp = f.do(t, first, "release", nil)
	assert.Equal(t, http.StatusForbidden, resp.Status, "old token is dead")
	f.ok(t, second, "release", nil)
}

func TestStartChoosesMount(t *testing.T) {
	cases := []struct {
		name        string
		left, right string
		want        pipette.Mount
	}{
		{"right single wins", "p10_single_v1", "p300_single_v1", pipette.Right},
		{"single beats multi", "p10_single_v1", "p300_multi_v1", pipette.Left},
		{"right multi", "p10_multi_v1", "p300_multi_v1", pipette.Right},
		{"left only", "p50_multi_v1", "", pipette.Left},
		{"uncommissioned right", "p50_single_v1", "unknown", pipette.Left},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.left, tc.right)
			resp := f.m.Start(context.Background(), false)
			require.Equal(t, http.StatusCreated, resp.Status, resp.Body)
			info := resp.Body["pipette"].(map[string]any)
			assert.Equal(t, string(tc.want), info["mount"])

			_, ok := f.robot.Instrument(tc.want)
			assert.True(t, ok, "chosen pipette attached to the robot")
		})
	}
}

func TestDispatchValidationOrder(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	token := f.start(t)

	cases := []struct {
		name    string
		payload map[string]any
		status  int
	}{
		{"missing token", map[string]any{"command": "jog"}, http.StatusBadRequest},
		{"missing command", map[string]any{"token": token}, http.StatusBadRequest},
		{"missing command beats bad token", map[string]any{"token": "nope"}, http.StatusBadRequest},
		{"wrong token", map[string]any{"token": "nope", "command": "bogus"}, http.StatusForbidden},
		{"unknown command", map[string]any{"token": token, "command": "bogus"}, http.StatusBadRequest},
		{"malformed field", map[string]any{"token": token, "command": "jog", "step": []int{1}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.m.Dispatch(context.Background(), tc.payload)
			assert.Equal(t, tc.status, resp.Status, resp.Body)
		})
	}
}

func TestJog(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	token := f.start(t)
	before := f.vc.Position()

	for _, tc := range []struct {
		fields map[string]any
		status int
	}{
		{map[string]any{"axis": "w", "direction": 1, "step": 1}, http.StatusBadRequest},
		{map[string]any{"axis": "x", "direction": 2, "step": 1}, http.StatusBadRequest},
		{map[string]any{"axis": "x", "step": 1}, http.StatusBadRequest},
		{map[string]any{"axis": "x", "direction": -1}, http.StatusBadRequest},
	} {
		assert.Equal(t, tc.status, f.do(t, token, "jog", tc.fields).Status, tc.fields)
	}
	assert.Equal(t, before, f.vc.Position(), "rejected jogs do not move")

	f.ok(t, token, "jog", map[string]any{"axis": "x", "direction": -1, "step": 2.5})
	f.ok(t, token, "jog", map[string]any{"axis": "z", "direction": "-1", "step": "10"})
	pos := f.vc.Position()
	assert.InDelta(t, before["X"]-2.5, pos["X"], 1e-3)
	assert.InDelta(t, before["A"]-10, pos["A"], 1e-3, "z jogs the right mount axis")
	assert.InDelta(t, before["Z"], pos["Z"], 1e-3)
}

func TestMoveMultiChannel(t *testing.T) {
	f := newFixture(t, "", "p300_multi_v1")
	token := f.start(t)

	resp := f.do(t, token, "move", map[string]any{"point": "4"})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	f.ok(t, token, "move", map[string]any{"point": "attachTip"})
	p, err := f.robot.InstrumentPosition(pipette.Right)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, p.X, 1e-3)
	assert.InDelta(t, 90+2*pipette.YOffsetMulti, p.Y, 1e-3)
	assert.InDelta(t, 150.0, p.Z, 1e-3)
}

func TestSaveValidation(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	token := f.start(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, token, "save xy", map[string]any{"point": "4"}).Status)
	assert.Equal(t, http.StatusBadRequest, f.do(t, token, "save z", nil).Status, "needs a tip")
	assert.Equal(t, http.StatusBadRequest, f.do(t, token, "attach tip", nil).Status)
	assert.Equal(t, http.StatusBadRequest, f.do(t, token, "attach tip", map[string]any{"tipLength": 0}).Status)

	f.ok(t, token, "save xy", map[string]any{"point": 1})
	assert.Equal(t, http.StatusBadRequest, f.do(t, token, "save transform", nil).Status, "points 2 and 3 missing")
	f.ok(t, token, "save xy", map[string]any{"point": "2"})
	f.ok(t, token, "save xy", map[string]any{"point": "3"})
	assert.Equal(t, http.StatusBadRequest, f.do(t, token, "save transform", nil).Status, "z missing")
	assert.Empty(t, f.store.saved)
}

func TestTipCommands(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	token := f.start(t)
	before, err := f.robot.InstrumentPosition(pipette.Right)
	require.NoError(t, err)

	f.ok(t, token, "attach tip", map[string]any{"tipLength": 40})
	f.ok(t, token, "attach tip", map[string]any{"tipLength": 51.7})
	p, err := f.robot.InstrumentPosition(pipette.Right)
	require.NoError(t, err)
	assert.InDelta(t, before.Z-51.7, p.Z, 1e-9, "second tip replaces the first")

	f.ok(t, token, "detach tip", nil)
	f.ok(t, token, "detach tip", nil)
	p, err = f.robot.InstrumentPosition(pipette.Right)
	require.NoError(t, err)
	assert.InDelta(t, before.Z, p.Z, 1e-9)
}

func TestFullCalibration(t *testing.T) {
	f := newFixture(t, "p10_single_v1", "p300_single_v1")
	require.NoError(t, f.robot.SetGantryCalibration(pose.Translation(9, 9, 9)))
	token := f.start(t)
	assert.Equal(t, pose.Identity(), f.robot.Config().GetGantryCalibration(), "start resets the calibration")

	jog := func(axis string, delta float64) {
		dir := 1
		if delta < 0 {
			dir, delta = -1, -delta
		}
		f.ok(t, token, "jog", map[string]any{"axis": axis, "direction": dir, "step": delta})
	}

	// the gantry sits 1 mm off in x and y: each cross is found 1 mm further
	// along both axes than drawn
	for _, n := range pointNames {
		f.ok(t, token, "move", map[string]any{"point": n})
		safe := safePoints()[n]
		want := expectedPoints[n].Add(pose.Point{X: 1, Y: 1})
		jog("x", want.X-safe.X)
		jog("y", want.Y-safe.Y)
		f.ok(t, token, "save xy", map[string]any{"point": n})
	}

	f.ok(t, token, "attach tip", map[string]any{"tipLength": 51.7})
	f.ok(t, token, "move", map[string]any{"point": "safeZ"})
	// the tip touches the deck 5 mm lower than nominal
	jog("z", -10)
	f.ok(t, token, "save z", nil)
	assert.InDelta(t, -5.0, *f.m.current.z, 1e-3)

	f.ok(t, token, "save transform", nil)
	want := pose.Translation(1, 1, -5)
	got := f.robot.Config().GetGantryCalibration()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-3, "element %d", i)
	}
	require.Len(t, f.store.saved, 1)
	assert.Equal(t, got, f.store.saved[0])
	assert.Equal(t, 1, f.store.backups)

	f.ok(t, token, "release", nil)
	assert.False(t, f.m.Active())
	_, ok := f.robot.Instrument(pipette.Right)
	assert.False(t, ok, "release removes instruments")
	assert.Equal(t, StatusNoSession, f.do(t, token, "jog", nil).Status)
}

func TestSaveXYLeftMount(t *testing.T) {
	f := newFixture(t, "p10_single_v1", "")
	token := f.start(t)

	f.ok(t, token, "move", map[string]any{"point": "1"})
	f.ok(t, token, "save xy", map[string]any{"point": "1"})

	pos := f.vc.Position()
	p := f.m.current.points["1"]
	require.NotNil(t, p)
	assert.InDelta(t, pos["X"]-34, p.X, 1e-9, "left mount offset applied")
	assert.InDelta(t, 17.13, p.X, 1e-3)
	assert.InDelta(t, 14.0, p.Y, 1e-3)
}

type panickyRobot struct{ Robot }

func (panickyRobot) Positions() map[string]float64 { panic("encoder unplugged") }

func TestDispatchRecoversPanics(t *testing.T) {
	f := newFixture(t, "", "p300_single_v1")
	token := f.start(t)
	f.m.robot = panickyRobot{f.robot}

	resp := f.do(t, token, "save xy", map[string]any{"point": "1"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, resp.Body["message"], "encoder unplugged")

	f.m.robot = f.robot
	f.ok(t, token, "release", nil)
}
