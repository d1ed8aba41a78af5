package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/device"
)

const sampleConfig = `
render: {fps: 30}
preview: {enabled: false}
devices:
  VIRT1:
    pages: 2
    buttons:
      0:
        0: {text: "Mute"}
        4: {text: "Next"}
virtual:
  - {serial: VIRT1, rows: 2, cols: 3, key_size: 64, format: bmp, flip_x: true}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keydeck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath = ""
		layoutPage = 0
		layoutSerial = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootCmdHasCommands(t *testing.T) {
	assert.Equal(t, "keydeck", rootCmd.Use)
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "check", "layout"} {
		assert.Contains(t, names, want)
	}
}

func TestCheckValid(t *testing.T) {
	out, err := execute(t, "check", "--config", writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid: 1 device(s), 1 virtual")
}

func TestCheckInvalid(t *testing.T) {
	_, err := execute(t, "check", "--config", writeConfig(t, "render: {fps: 0}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLayoutPrintsSVG(t *testing.T) {
	out, err := execute(t, "layout", "--config", writeConfig(t, sampleConfig), "--serial", "VIRT1")
	require.NoError(t, err)
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "Mute")
	assert.Contains(t, out, "Next")
	assert.Contains(t, out, `width="64"`)

	_, err = execute(t, "layout", "--config", writeConfig(t, sampleConfig), "--serial", "VIRT1", "--page", "2")
	assert.Error(t, err)
}

func TestBuildTransports(t *testing.T) {
	cfg, err := config.Parse([]byte(sampleConfig))
	require.NoError(t, err)

	ts, err := buildTransports(cfg, false, nil)
	require.NoError(t, err)
	assert.Empty(t, ts)

	ts, err = buildTransports(cfg, true, nil)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "VIRT1", ts[0].Serial())
	rows, cols := ts[0].KeyLayout()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, device.ImageFormat{Size: 64, Encoding: device.BMP, FlipX: true}, ts[0].ImageFormat())

	cfg.Virtual = nil
	cfg.LCDPanel.Enabled = true
	ts, err = buildTransports(cfg, true, nil)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "LCD1", ts[0].Serial())
	assert.Equal(t, "VIRT1", ts[1].Serial())
}

func TestRunWithoutDevices(t *testing.T) {
	_, err := execute(t, "run", "--config", writeConfig(t, "preview: {enabled: false}\n"))
	assert.ErrorIs(t, err, errNoDevices)
}

func TestReloadOnSignal(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	sig := make(chan os.Signal)
	loads := make(chan struct{}, 4)
	applied := make(chan *config.Config, 4)
	var broken atomic.Bool
	broken.Store(true)
	load := func() (*config.Config, error) {
		defer func() { loads <- struct{}{} }()
		if broken.Load() {
			return nil, errors.New("bad file")
		}
		return config.Load(path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- reloadOnSignal(ctx, sig, load, func(c *config.Config) { applied <- c }, hclog.NewNullLogger())
	}()

	sig <- syscall.SIGHUP
	<-loads
	assert.Empty(t, applied)

	broken.Store(false)
	sig <- syscall.SIGHUP
	<-loads
	select {
	case cfg := <-applied:
		assert.Equal(t, 2, cfg.Devices["VIRT1"].Pages)
	case <-time.After(2 * time.Second):
		t.Fatal("configuration not applied")
	}

	cancel()
	require.NoError(t, <-done)
}
