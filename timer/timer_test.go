package timer_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/timer"
)

func TestValidateConsistency(t *testing.T) {
	cases := []struct {
		cam  camera.Mode
		tm   timer.Mode
		warn bool
	}{
		{camera.Trigger, timer.Trigger, false},
		{camera.FreeRun, timer.Trigger, true},
		{camera.Strobe, timer.Trigger, true},
		{camera.Strobe, timer.Strobe, false},
		{camera.FreeRun, timer.Strobe, true},
		{camera.Trigger, timer.Strobe, true},
	}
	for _, c := range cases {
		n := timer.ValidateConsistency(c.cam, c.tm)
		assert.Equal(t, c.warn, n != nil, "camera %s timer %s", c.cam, c.tm)
		if n != nil {
			assert.Equal(t, timer.CodeModeMismatch, n.Code)
		}
	}
}

func TestDrainDelay(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, timer.DefaultDrainDelay(0))
	assert.Equal(t, 200*time.Millisecond, timer.DefaultDrainDelay(20*time.Millisecond))
	assert.Equal(t, time.Second, timer.DefaultDrainDelay(2*time.Second))

	c := timer.NewCoordinator(timer.NewSim(false), timer.Settings{DrainDelay: 50 * time.Millisecond, DrainDelayOverride: true}, zerolog.Nop())
	assert.Equal(t, 50*time.Millisecond, c.DrainDelay(time.Second))
}

func TestCoordinatorArmDisarm(t *testing.T) {
	sim := timer.NewSim(false)
	s := timer.DefaultSettings()
	s.Enabled = true
	s.Mode = timer.Trigger
	s.TriggerInterval = 250 * time.Millisecond
	c := timer.NewCoordinator(sim, s, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, c.InUse())
	assert.Equal(t, timer.Connected, c.State())
	assert.NotNil(t, c.CheckCamera(camera.FreeRun))
	assert.Nil(t, c.CheckCamera(camera.Trigger))

	p := c.Prepare(100)
	assert.Equal(t, timer.Program{Mode: timer.Trigger, Count: 100, Interval: 250 * time.Millisecond}, p)
	require.NoError(t, c.Arm(ctx))
	assert.Equal(t, timer.Armed, c.State())
	assert.Equal(t, p, sim.Program())
	require.NoError(t, c.Disarm(ctx))
	assert.Equal(t, timer.Connected, c.State())
	require.NoError(t, c.Resync(ctx))
	require.NoError(t, c.Reset(ctx, device.Cold))
	assert.Equal(t, []string{"arm", "disarm", "sync", "reset-cold"}, sim.Calls())
}

func TestCoordinatorTimeout(t *testing.T) {
	sim := timer.NewSim(false)
	sim.SetHang(true)
	s := timer.DefaultSettings()
	s.Enabled = true
	s.OpTimeout = 20 * time.Millisecond
	c := timer.NewCoordinator(sim, s, zerolog.Nop())

	start := time.Now()
	err := c.Arm(context.Background())
	assert.ErrorIs(t, err, device.ErrHardwareTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, timer.Connected, c.State(), "not armed after a timeout")
	assert.ErrorIs(t, c.Resync(context.Background()), device.ErrHardwareTimeout)
}

func TestCoordinatorGPS(t *testing.T) {
	sim := timer.NewSim(true)
	s := timer.DefaultSettings()
	s.Enabled = true
	c := timer.NewCoordinator(sim, s, zerolog.Nop())

	fix, err := c.ReadGPS(context.Background())
	require.NoError(t, err)
	assert.Nil(t, fix, "not read unless configured per run")

	s.ReadGPSPerRun = true
	c.SetSettings(s)
	fix, err = c.ReadGPS(context.Background())
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.InDelta(t, 34.2, fix.Lat, 1e-9)
}

func TestCoordinatorNoTimer(t *testing.T) {
	c := timer.NewCoordinator(nil, timer.Settings{Enabled: true}, zerolog.Nop())
	assert.False(t, c.InUse())
	assert.Equal(t, timer.Disconnected, c.State())
	assert.Nil(t, c.CheckCamera(camera.FreeRun))
	assert.ErrorIs(t, c.Arm(context.Background()), device.ErrNotConnected)
	assert.NoError(t, c.Disarm(context.Background()))
}

func TestWaitDrainCancel(t *testing.T) {
	c := timer.NewCoordinator(nil, timer.Settings{DrainDelay: time.Hour, DrainDelayOverride: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.WaitDrain(ctx, 0), context.Canceled)
}
