package robot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deckbot/internal/config"
	"github.com/banshee-data/deckbot/internal/labware"
	"github.com/banshee-data/deckbot/internal/pipette"
	"github.com/banshee-data/deckbot/internal/pose"
	"github.com/banshee-data/deckbot/internal/serialmux"
	"github.com/banshee-data/deckbot/internal/smoothie"
	"github.com/banshee-data/deckbot/internal/timeutil"
)

func newVirtualRobot(t *testing.T) (*Robot, *smoothie.VirtualController) {
	t.Helper()
	vc := smoothie.NewVirtualController(nil)
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
	r, err := New(context.Background(), d, config.EmptyRobotConfig())
	require.NoError(t, err)
	return r, vc
}

func TestVirtualEndToEnd(t *testing.T) {
	r, vc := newVirtualRobot(t)
	ctx := context.Background()
	vc.AttachPipette("R", "p300_single_v1", "P3HS2018")

	require.NoError(t, r.CacheInstrumentModels(ctx))
	assert.Equal(t, "p300_single_v1", r.AttachedPipettes()[pipette.Right].Model)
	assert.Empty(t, r.AttachedPipettes()[pipette.Left].Model)

	require.NoError(t, r.Home(ctx))
	_, err := r.AddLabware(ctx, labware.Flat96, "5")
	require.NoError(t, err)
	_, err = r.AddInstrument(pipette.Right, "p300_single_v1")
	require.NoError(t, err)

	well, err := r.Well("5", "H12")
	require.NoError(t, err)
	require.NoError(t, r.MoveTo(ctx, pipette.Right, well.At(pose.Point{Z: 2}), Arc))

	want, err := r.Absolute(well.Frame)
	require.NoError(t, err)
	pos := vc.Position()
	assert.InDelta(t, want.X, pos["X"], 1e-3)
	assert.InDelta(t, want.Y, pos["Y"], 1e-3)
	assert.InDelta(t, want.Z+2, pos["A"], 1e-3)

	got, err := r.InstrumentPosition(pipette.Right)
	require.NoError(t, err)
	assert.InDelta(t, want.Z+2, got.Z, 1e-3)
}
