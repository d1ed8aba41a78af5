package virtual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonicat/keydeck/internal/device"
)

func TestDeckPushAndUnplug(t *testing.T) {
	d := New(Config{Serial: "S1", Rows: 2, Cols: 3})
	require.NoError(t, d.Open())
	assert.Equal(t, "virtual:S1", d.ID())
	assert.Equal(t, 6, d.KeyCount())
	assert.Equal(t, 72, d.ImageFormat().Size)

	require.NoError(t, d.PushFrame(2, []byte{1, 2, 3}))
	f, ok := d.Frame(2)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, f)
	assert.Error(t, d.PushFrame(6, nil))

	d.Unplug()
	assert.ErrorIs(t, d.PushFrame(0, []byte{0}), device.ErrDisconnected)
	assert.ErrorIs(t, d.SetBrightness(10), device.ErrDisconnected)
	d.Replug()
	require.NoError(t, d.SetBrightness(10))
	assert.Equal(t, 10, d.Brightness())
	assert.EqualValues(t, 1, d.Pushes())
}

func TestDeckPressInvokesCallback(t *testing.T) {
	d := New(Config{Serial: "S1", Rows: 1, Cols: 1})
	var got []bool
	d.SetKeyCallback(func(key int, pressed bool) {
		assert.Equal(t, 0, key)
		got = append(got, pressed)
	})
	d.Press(0, true)
	d.Press(0, false)
	assert.Equal(t, []bool{true, false}, got)
}
