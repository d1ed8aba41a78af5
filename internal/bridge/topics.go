package bridge

import "strings"

// Topics builds the topic tree under a prefix:
//
//	<prefix>/status               online/offline, retained
//	<prefix>/<serial>/key         key transitions
//	<prefix>/<serial>/cpu         render load
//	<prefix>/<serial>/device      attach/detach, retained
//	<prefix>/<serial>/page/set    command: switch page
//	<prefix>/<serial>/brightness/set
//	<prefix>/dimmers/toggle
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	return strings.Join(append([]string{t.Prefix}, parts...), "/")
}

func (t Topics) Status() string               { return t.join("status") }
func (t Topics) Key(serial string) string     { return t.join(serial, "key") }
func (t Topics) CPU(serial string) string     { return t.join(serial, "cpu") }
func (t Topics) Device(serial string) string  { return t.join(serial, "device") }
func (t Topics) PageSet(serial string) string { return t.join(serial, "page", "set") }
func (t Topics) DimmersToggle() string        { return t.join("dimmers", "toggle") }

func (t Topics) BrightnessSet(serial string) string { return t.join(serial, "brightness", "set") }

// Command identifies an inbound command topic.
type Command int

const (
	CommandUnknown Command = iota
	CommandPage
	CommandBrightness
	CommandToggleDimmers
)

// Parse maps an inbound topic to its command and serial.
func (t Topics) Parse(topic string) (Command, string) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return CommandUnknown, ""
	}
	if rest == "dimmers/toggle" {
		return CommandToggleDimmers, ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return CommandUnknown, ""
	}
	switch parts[1] {
	case "page":
		return CommandPage, parts[0]
	case "brightness":
		return CommandBrightness, parts[0]
	}
	return CommandUnknown, ""
}
