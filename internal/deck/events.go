package deck

import (
	"fmt"
	"time"
)

// KeyEvent is one physical key transition. Suppressed is set on a press
// that only woke a dimmed display, and on the release that follows it;
// dispatchers must not run the key's action for suppressed events.
type KeyEvent struct {
	Serial     string    `json:"serial"`
	Key        int       `json:"key"`
	Pressed    bool      `json:"pressed"`
	Suppressed bool      `json:"suppressed"`
	Time       time.Time `json:"time"`
}

// CPUEvent reports the share of a device's tick budget spent rendering.
type CPUEvent struct {
	Serial  string `json:"serial"`
	Percent int    `json:"percent"`
}

type DeviceEventKind int

const (
	Attached DeviceEventKind = iota
	Detached
)

func (k DeviceEventKind) String() string {
	switch k {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DeviceEvent announces attach and detach.
type DeviceEvent struct {
	Kind   DeviceEventKind
	ID     string
	Serial string
	Rows   int
	Cols   int
}
