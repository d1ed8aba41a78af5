package dimmer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) set(v int) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return -1
	}
	return r.values[len(r.values)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func TestDimsAfterTimeoutAndWakesOnReset(t *testing.T) {
	rec := &recorder{}
	d := New(100, 20, 50*time.Millisecond, rec.set, nil)
	defer d.Stop()

	assert.False(t, d.Reset())
	assert.Equal(t, 100, rec.last())

	require.Eventually(t, d.Dimmed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 20, rec.last())
	assert.Equal(t, 20, d.Brightness())

	assert.True(t, d.Reset(), "reset out of Dimmed must report the wake")
	assert.Equal(t, Awake, d.State())
	assert.Equal(t, 100, rec.last())
	assert.False(t, d.Reset())

	// a fresh window starts after every reset
	require.Eventually(t, d.Dimmed, time.Second, 5*time.Millisecond)
}

func TestResetRestartsWindow(t *testing.T) {
	d := New(100, 20, 150*time.Millisecond, nil, nil)
	defer d.Stop()
	d.Reset()
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		assert.False(t, d.Reset())
	}
	assert.Equal(t, Awake, d.State())
}

func TestZeroTimeoutNeverDims(t *testing.T) {
	rec := &recorder{}
	d := New(80, 10, 0, rec.set, nil)
	defer d.Stop()
	d.Reset()
	d.Dim(false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Awake, d.State())
	assert.Equal(t, 80, d.Brightness())

	d.Dim(true)
	assert.Equal(t, Dimmed, d.State())
	assert.Equal(t, 8, rec.last())
}

func TestToggle(t *testing.T) {
	rec := &recorder{}
	d := New(100, 50, time.Hour, rec.set, nil)
	d.Reset()

	d.Toggle()
	assert.True(t, d.Dimmed())
	assert.Equal(t, 50, rec.last())

	d.Toggle()
	assert.False(t, d.Dimmed())
	assert.Equal(t, 100, rec.last())
}

func TestStopIsTerminal(t *testing.T) {
	rec := &recorder{}
	d := New(100, 20, 20*time.Millisecond, rec.set, nil)
	d.Reset()
	d.Dim(true)
	d.Stop()
	assert.Equal(t, Stopped, d.State())
	assert.Equal(t, 100, rec.last(), "stop restores nominal brightness")

	n := rec.count()
	assert.False(t, d.Reset())
	d.Dim(true)
	d.Toggle()
	d.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Stopped, d.State())
	assert.Equal(t, n, rec.count(), "a stopped dimmer never touches brightness")
}

func TestConfigure(t *testing.T) {
	rec := &recorder{}
	d := New(100, 20, time.Hour, rec.set, nil)
	defer d.Stop()
	d.Reset()

	d.Configure(60, 50, time.Hour)
	assert.Equal(t, 60, rec.last())

	d.Dim(true)
	assert.Equal(t, 30, rec.last())
	d.Configure(80, 50, time.Hour)
	assert.True(t, d.Dimmed())
	assert.Equal(t, 40, rec.last())

	d.Configure(150, -5, -time.Second)
	assert.Equal(t, 100, d.Nominal())
	assert.Equal(t, 0, d.DimmedPercent())
	assert.Equal(t, time.Duration(0), d.Timeout())
}
