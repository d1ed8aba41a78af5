// Package preview serves the rendered key images over HTTP so a deck can
// be inspected, or driven, from a browser.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/deck"
	"github.com/photonicat/keydeck/internal/display"
)

// Decks is the part of deck.Manager the server drives.
type Decks interface {
	Devices() []deck.DeviceInfo
	Compositor(serial string) (*display.Compositor, error)
	Button(serial string, page, key int) config.ButtonConfig
	SetPage(ctx context.Context, serial string, page int) error
	SetBrightness(serial string, percent int) error
	ToggleDimmers()
}

// syncTimeout bounds how long a request waits for its change to render.
const syncTimeout = 2 * time.Second

type Server struct {
	app    *fiber.App
	decks  Decks
	logger hclog.Logger
}

func New(decks Decks, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
		decks:  decks,
		logger: logger.Named("preview"),
	}

	s.app.Get("/", s.index)
	api := s.app.Group("/api")
	api.Get("/devices", s.devices)
	api.Get("/devices/:serial/layout.svg", s.layout)
	api.Get("/devices/:serial/pages/:page/keys/:key", s.keyImage)
	api.Post("/devices/:serial/page", s.setPage)
	api.Post("/devices/:serial/brightness", s.setBrightness)
	api.Post("/dimmers/toggle", s.toggleDimmers)
	return s
}

// App exposes the fiber application, mostly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Run listens on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting preview server", "listen", addr)
		errc <- s.app.Listen(addr)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdown)
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, deck.ErrUnknownDevice):
		code = fiber.StatusNotFound
	case errors.Is(err, display.ErrInvalidPage), errors.Is(err, display.ErrInvalidButton):
		code = fiber.StatusBadRequest
	case errors.Is(err, display.ErrStopped), errors.Is(err, deck.ErrClosed):
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func intParam(c *fiber.Ctx, name string) (int, error) {
	raw := strings.TrimSuffix(c.Params(name), ".png")
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("bad %s %q", name, raw))
	}
	return v, nil
}

func (s *Server) index(c *fiber.Ctx) error {
	devices := s.decks.Devices()
	if len(devices) == 0 {
		return c.SendString("no devices attached")
	}
	return c.Redirect("/api/devices/" + devices[0].Serial + "/layout.svg")
}

func (s *Server) devices(c *fiber.Ctx) error {
	return c.JSON(s.decks.Devices())
}

func (s *Server) keyImage(c *fiber.Ctx) error {
	page, err := intParam(c, "page")
	if err != nil {
		return err
	}
	key, err := intParam(c, "key")
	if err != nil {
		return err
	}
	comp, err := s.decks.Compositor(c.Params("serial"))
	if err != nil {
		return err
	}
	img, err := comp.GetImage(page, key)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(buf.Bytes())
}

func (s *Server) layout(c *fiber.Ctx) error {
	serial := c.Params("serial")
	comp, err := s.decks.Compositor(serial)
	if err != nil {
		return err
	}
	page := comp.Page()
	if q := c.Query("page"); q != "" {
		if page, err = strconv.Atoi(q); err != nil || page < 0 || page >= comp.Pages() {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("bad page %q", q))
		}
	}

	rows, cols := comp.Transport().KeyLayout()
	keys := make([]Key, comp.Keys())
	for i := range keys {
		keys[i] = Key{
			Label: s.decks.Button(serial, page, i).Text,
			Href:  fmt.Sprintf("/api/devices/%s/pages/%d/keys/%d.png", serial, page, i),
		}
	}

	var buf bytes.Buffer
	Layout(&buf, fmt.Sprintf("%s page %d", serial, page), rows, cols, comp.Size().X, keys)
	c.Set(fiber.HeaderContentType, "image/svg+xml")
	return c.Send(buf.Bytes())
}

type pageRequest struct {
	Page int `json:"page"`
}

func (s *Server) setPage(c *fiber.Ctx) error {
	var req pageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), syncTimeout)
	defer cancel()
	if err := s.decks.SetPage(ctx, c.Params("serial"), req.Page); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"page": req.Page})
}

type brightnessRequest struct {
	Brightness int `json:"brightness"`
}

func (s *Server) setBrightness(c *fiber.Ctx) error {
	var req brightnessRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON")
	}
	if err := s.decks.SetBrightness(c.Params("serial"), req.Brightness); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"brightness": req.Brightness})
}

func (s *Server) toggleDimmers(c *fiber.Ctx) error {
	s.decks.ToggleDimmers()
	return c.JSON(s.decks.Devices())
}
