// Package bridge mirrors deck events onto MQTT and accepts a small set of
// commands back.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/deck"
)

// Publisher is the broker side of the bridge.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Decks is the part of deck.Manager driven by inbound commands.
type Decks interface {
	KeyEvents() <-chan deck.KeyEvent
	CPUEvents() <-chan deck.CPUEvent
	DeviceEvents() <-chan deck.DeviceEvent
	Done() <-chan struct{}
	SetPage(ctx context.Context, serial string, page int) error
	SetBrightness(serial string, percent int) error
	ToggleDimmers()
}

var ErrBadPayload = errors.New("bad command payload")

const commandTimeout = 2 * time.Second

type Bridge struct {
	pub    Publisher
	decks  Decks
	topics Topics
	logger hclog.Logger
}

func New(pub Publisher, decks Decks, prefix string, logger hclog.Logger) *Bridge {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bridge{
		pub:    pub,
		decks:  decks,
		topics: Topics{Prefix: prefix},
		logger: logger.Named("bridge"),
	}
}

type keyPayload struct {
	Key        int    `json:"key"`
	Pressed    bool   `json:"pressed"`
	Suppressed bool   `json:"suppressed"`
	Time       string `json:"time"`
}

type cpuPayload struct {
	Percent int `json:"percent"`
}

type devicePayload struct {
	State string `json:"state"`
	ID    string `json:"id"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

// Run subscribes to the command topics and publishes events until ctx or
// the manager is done. It drains the key events, so nothing else may
// consume them while it runs.
func (b *Bridge) Run(ctx context.Context) error {
	for _, topic := range []string{
		b.topics.PageSet("+"),
		b.topics.BrightnessSet("+"),
		b.topics.DimmersToggle(),
	} {
		if err := b.pub.Subscribe(topic, b.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	b.logger.Info("bridge running", "prefix", b.topics.Prefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.decks.Done():
			return nil
		case ev := <-b.decks.KeyEvents():
			b.publish(b.topics.Key(ev.Serial), false, keyPayload{
				Key:        ev.Key,
				Pressed:    ev.Pressed,
				Suppressed: ev.Suppressed,
				Time:       ev.Time.UTC().Format(time.RFC3339Nano),
			})
		case ev := <-b.decks.CPUEvents():
			b.publish(b.topics.CPU(ev.Serial), false, cpuPayload{Percent: ev.Percent})
		case ev := <-b.decks.DeviceEvents():
			b.publish(b.topics.Device(ev.Serial), true, devicePayload{
				State: ev.Kind.String(),
				ID:    ev.ID,
				Rows:  ev.Rows,
				Cols:  ev.Cols,
			})
		}
	}
}

func (b *Bridge) publish(topic string, retained bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("cannot encode payload", "topic", topic, "error", err)
		return
	}
	if err := b.pub.Publish(topic, retained, data); err != nil {
		b.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) handle(topic string, payload []byte) {
	if err := b.Execute(topic, payload); err != nil {
		b.logger.Warn("command failed", "topic", topic, "error", err)
	}
}

// Execute runs the command addressed by topic.
func (b *Bridge) Execute(topic string, payload []byte) error {
	cmd, serial := b.topics.Parse(topic)
	switch cmd {
	case CommandToggleDimmers:
		b.decks.ToggleDimmers()
		return nil
	case CommandPage:
		page, err := parseInt(payload)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return b.decks.SetPage(ctx, serial, page)
	case CommandBrightness:
		percent, err := parseInt(payload)
		if err != nil {
			return err
		}
		return b.decks.SetBrightness(serial, percent)
	}
	return fmt.Errorf("unknown command topic %q", topic)
}

func parseInt(payload []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	return v, nil
}
