package deck

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/device"
)

// DefaultPollInterval is how often a Monitor enumerates devices.
const DefaultPollInterval = time.Second

// Enumerator lists the devices currently present, keyed by attach id.
type Enumerator interface {
	Enumerate() ([]device.Transport, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func() ([]device.Transport, error)

func (f EnumeratorFunc) Enumerate() ([]device.Transport, error) { return f() }

// Transports is an Enumerator over a fixed set of transports. A transport
// is present while it reports Connected.
type Transports []device.Transport

func (ts Transports) Enumerate() ([]device.Transport, error) {
	out := make([]device.Transport, 0, len(ts))
	for _, t := range ts {
		if t.Connected() {
			out = append(out, t)
		}
	}
	return out, nil
}

// Monitor attaches devices as they appear and detaches them when they
// vanish.
type Monitor struct {
	manager    *Manager
	enumerator Enumerator
	interval   time.Duration
	logger     hclog.Logger

	mu       sync.Mutex
	attached map[string]bool
	failing  map[string]bool
}

func NewMonitor(m *Manager, e Enumerator, interval time.Duration, logger hclog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Monitor{
		manager:    m,
		enumerator: e,
		interval:   interval,
		logger:     logger.Named("monitor"),
		attached:   make(map[string]bool),
		failing:    make(map[string]bool),
	}
}

// Run polls until ctx is done, then detaches everything it attached.
func (mon *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()
	defer mon.detachAll()

	mon.Poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mon.manager.Done():
			return nil
		case <-ticker.C:
			mon.Poll()
		}
	}
}

// Poll runs a single enumeration pass.
func (mon *Monitor) Poll() {
	present, err := mon.enumerator.Enumerate()
	if err != nil {
		mon.logger.Warn("device enumeration failed", "error", err)
		return
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()

	seen := make(map[string]bool, len(present))
	for _, t := range present {
		id := t.ID()
		seen[id] = true
		if mon.attached[id] && mon.manager.hasID(id) {
			continue
		}
		if err := mon.manager.Attach(t); err != nil {
			if !mon.failing[id] {
				mon.logger.Warn("cannot attach device", "id", id, "error", err)
			}
			mon.failing[id] = true
			continue
		}
		delete(mon.failing, id)
		mon.attached[id] = true
	}

	gone := make([]string, 0)
	for id := range mon.attached {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		mon.manager.Detach(id)
		delete(mon.attached, id)
	}
	for id := range mon.failing {
		if !seen[id] {
			delete(mon.failing, id)
		}
	}
}

func (mon *Monitor) detachAll() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	for id := range mon.attached {
		mon.manager.Detach(id)
		delete(mon.attached, id)
	}
}
