package simulated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyhelm/pkg/device"
)

func TestKindsBuildValidStates(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(kind, func(t *testing.T) {
			factory, err := Factory(kind)
			require.NoError(t, err)

			dev, err := factory()
			require.NoError(t, err)

			st, err := device.NewState(dev)
			require.NoError(t, err)
			assert.Equal(t, kind, st.Kind())

			for _, q := range st.Quantities() {
				_, err := dev.Sample(context.Background(), q)
				assert.NoError(t, err, q)
			}
		})
	}
}

func TestFactory_UnknownKind(t *testing.T) {
	_, err := Factory("sonar")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestCompassHeadingWraps(t *testing.T) {
	c := NewCompass(7)
	for i := 0; i < 10000; i++ {
		h, err := c.Sample(context.Background(), "heading")
		require.NoError(t, err)
		require.GreaterOrEqual(t, h, 0.0)
		require.Less(t, h, 360.0)
	}
}

func TestSensorPowerSwitch(t *testing.T) {
	ctx := context.Background()
	gps := NewGPS(1)

	require.NoError(t, gps.HandleCommand(ctx, device.Text("Power Off")))
	assert.False(t, gps.Powered())

	_, err := gps.Sample(ctx, "latitude")
	require.ErrorIs(t, err, ErrPoweredOff)

	require.NoError(t, gps.HandleCommand(ctx, device.Text("power on")))
	_, err = gps.Sample(ctx, "latitude")
	require.NoError(t, err)

	err = gps.HandleCommand(ctx, device.Text("accelerate"))
	require.ErrorIs(t, err, device.ErrInvalidCommand)
}

func TestAutopilotCommands(t *testing.T) {
	ctx := context.Background()
	ap := NewAutopilot()

	require.ErrorIs(t, ap.HandleCommand(ctx, device.Text("disengage")), device.ErrInvalidCommand)
	require.ErrorIs(t, ap.HandleCommand(ctx, device.Text("engage 400")), device.ErrInvalidCommand)
	require.ErrorIs(t, ap.HandleCommand(ctx, device.Text("engage north")), device.ErrInvalidCommand)

	require.NoError(t, ap.HandleCommand(ctx, device.Text("engage 270")))
	engaged, _ := ap.Sample(ctx, "engaged")
	course, _ := ap.Sample(ctx, "course")
	assert.Equal(t, 1.0, engaged)
	assert.Equal(t, 270.0, course)

	require.NoError(t, ap.HandleCommand(ctx, device.Text("disengage")))
	engaged, _ = ap.Sample(ctx, "engaged")
	assert.Equal(t, 0.0, engaged)
}

func TestEngineCommands(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(3)

	require.ErrorIs(t, e.HandleCommand(ctx, device.Text("rpm 2000")), device.ErrInvalidCommand, "not running")
	require.ErrorIs(t, e.HandleCommand(ctx, device.Text("stop")), device.ErrInvalidCommand)

	require.NoError(t, e.HandleCommand(ctx, device.Text("start")))
	require.ErrorIs(t, e.HandleCommand(ctx, device.Text("start")), device.ErrInvalidCommand)
	require.ErrorIs(t, e.HandleCommand(ctx, device.Text("rpm 9000")), device.ErrInvalidCommand)
	require.NoError(t, e.HandleCommand(ctx, device.Text("rpm 2000")))
	require.ErrorIs(t, e.HandleCommand(ctx, device.Text("reverse")), device.ErrInvalidCommand, "gear change at speed")

	var rpm float64
	for i := 0; i < 20; i++ {
		rpm, _ = e.Sample(ctx, "rpm")
	}
	assert.InDelta(t, 2000, rpm, 50)

	require.NoError(t, e.HandleCommand(ctx, device.Text("rpm 600")))
	require.NoError(t, e.HandleCommand(ctx, device.Text("reverse")))
	dir, _ := e.Sample(ctx, "direction")
	assert.Equal(t, -1.0, dir)

	require.NoError(t, e.HandleCommand(ctx, device.Text("stop")))
	for i := 0; i < 40; i++ {
		rpm, _ = e.Sample(ctx, "rpm")
	}
	assert.Equal(t, 0.0, rpm)
	running, _ := e.Sample(ctx, "running")
	assert.Equal(t, 0.0, running)
}
