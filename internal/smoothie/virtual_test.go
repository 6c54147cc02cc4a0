package smoothie

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/deckbot/internal/serialmux"
	"github.com/banshee-data/deckbot/internal/timeutil"
)

// newVirtualDriver wires a driver to a VirtualController through a real
// SerialMux, the same path the daemon uses with --virtual.
func newVirtualDriver(t *testing.T) (*Driver, *VirtualController) {
	t.Helper()
	vc := NewVirtualController(nil)
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

	cfg := DefaultConfig()
	cfg.AckTimeout = time.Second
	return New(mux, cfg, WithClock(timeutil.NewMockClock(time.Unix(0, 0)))), vc
}

func TestVirtualHomeAndMove(t *testing.T) {
	d, vc := newVirtualDriver(t)
	ctx := context.Background()

	_, err := d.Home(ctx, "")
	require.NoError(t, err)
	flags, err := d.ReadHomedFlags(ctx)
	require.NoError(t, err)
	for _, ax := range Axes {
		assert.True(t, flags[string(ax)], "axis %c", ax)
	}

	require.NoError(t, d.Move(ctx, map[string]float64{"X": 100.5, "Y": 50, "B": 10}))
	assert.Equal(t, 100.5, vc.Position()["X"])
	assert.Equal(t, 10.0, vc.Position()["B"])
	assert.Equal(t, 0.3, vc.Current("X"), "idle axes left at dwelling current")

	pos, err := d.UpdatePosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.5, pos["X"])
	assert.Equal(t, 50.0, pos["Y"])

	switches, err := d.SwitchStates(ctx)
	require.NoError(t, err)
	assert.Len(t, switches, 7)
	assert.False(t, switches["Probe"])
}

func TestVirtualLimitRecovery(t *testing.T) {
	d, vc := newVirtualDriver(t)
	ctx := context.Background()

	_, err := d.Home(ctx, "")
	require.NoError(t, err)
	require.NoError(t, d.Move(ctx, map[string]float64{"C": 2}))

	err = d.Move(ctx, map[string]float64{"C": 100})
	require.Error(t, err)
	assert.True(t, IsHardLimit(err))
	assert.Equal(t, 19.0, d.Position()["C"])
	assert.Equal(t, 19.0, vc.Position()["C"])

	// controller accepts motion again after recovery
	require.NoError(t, d.Move(ctx, map[string]float64{"C": 5}))
}

func TestVirtualPipetteModel(t *testing.T) {
	d, vc := newVirtualDriver(t)
	vc.AttachPipette("L", "p10_multi_v1", "P10MV1-2018")

	model, err := d.ReadPipetteModel(context.Background(), "left")
	require.NoError(t, err)
	assert.Equal(t, "p10_multi_v1", model)

	id, err := d.ReadPipetteID(context.Background(), "left")
	require.NoError(t, err)
	assert.Equal(t, "P10MV1-2018", id)

	model, err = d.ReadPipetteModel(context.Background(), "right")
	require.NoError(t, err)
	assert.Empty(t, model)
}
