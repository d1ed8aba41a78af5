package lcdpanel

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/holoplot/go-evdev"
	"go.uber.org/atomic"
)

// keyReader turns EV_KEY events from one input device into key presses.
type keyReader struct {
	dev     *evdev.InputDevice
	codes   map[evdev.EvCode]int
	logger  hclog.Logger
	emit    func(key int, pressed bool)
	closing atomic.Bool
	done    chan struct{}
}

// resolveInput accepts a /dev path or an input device name.
func resolveInput(nameOrPath string) (string, error) {
	if strings.HasPrefix(nameOrPath, "/") {
		return nameOrPath, nil
	}
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return "", fmt.Errorf("list input devices: %w", err)
	}
	for _, ip := range paths {
		if ip.Name == nameOrPath {
			return ip.Path, nil
		}
	}
	return "", fmt.Errorf("no input device named %q", nameOrPath)
}

func openKeyReader(nameOrPath string, codes []int, logger hclog.Logger, emit func(int, bool)) (*keyReader, error) {
	path, err := resolveInput(nameOrPath)
	if err != nil {
		return nil, err
	}
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := dev.Grab(); err != nil {
		logger.Warn("failed to grab input device", "path", path, "error", err)
	}
	kr := newKeyReader(codes, logger, emit)
	kr.dev = dev
	name, _ := dev.Name()
	logger.Info("using input device", "path", path, "name", name)
	go kr.loop()
	return kr, nil
}

func newKeyReader(codes []int, logger hclog.Logger, emit func(int, bool)) *keyReader {
	kr := &keyReader{
		codes:  make(map[evdev.EvCode]int, len(codes)),
		logger: logger,
		emit:   emit,
		done:   make(chan struct{}),
	}
	for i, c := range codes {
		kr.codes[evdev.EvCode(c)] = i
	}
	return kr
}

func (kr *keyReader) loop() {
	defer close(kr.done)
	for {
		ev, err := kr.dev.ReadOne()
		if err != nil {
			if kr.closing.Load() {
				return
			}
			kr.logger.Debug("input read error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		kr.handle(ev)
	}
}

// handle dispatches one event. Autorepeat (value 2) is dropped.
func (kr *keyReader) handle(ev *evdev.InputEvent) {
	if ev.Type != evdev.EV_KEY {
		return
	}
	key, ok := kr.codes[ev.Code]
	if !ok {
		return
	}
	switch ev.Value {
	case 1:
		kr.emit(key, true)
	case 0:
		kr.emit(key, false)
	}
}

func (kr *keyReader) Close() {
	kr.closing.Store(true)
	_ = kr.dev.Ungrab()
	_ = kr.dev.Close()
	select {
	case <-kr.done:
	case <-time.After(time.Second):
		kr.logger.Warn("input reader did not stop")
	}
}
