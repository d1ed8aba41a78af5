package display

import (
	"fmt"
	"image"
	"image/draw"
	"time"
)

type imageConfig struct {
	Kind    Kind
	Path    string
	ModTime int64
}

// ImageFilter draws an icon centered over its input. The icon is loaded and
// scaled once in Initialize. The file's modification time is part of the
// fingerprint, so a filter built after the icon was rewritten renders the new
// file.
type ImageFilter struct {
	assets *Assets
	cfg    imageConfig
	fp     Fingerprint
	icon   *image.RGBA
}

func NewImageFilter(assets *Assets, path string) *ImageFilter {
	cfg := imageConfig{Kind: KindImage, Path: path}
	// a missing file keeps a zero time and fails in Initialize
	cfg.ModTime, _ = fileModTime(path)
	return &ImageFilter{assets: assets, cfg: cfg, fp: fingerprintOf(cfg)}
}

func (f *ImageFilter) Kind() Kind               { return KindImage }
func (f *ImageFilter) Fingerprint() Fingerprint { return f.fp }
func (f *ImageFilter) Animated() bool           { return false }
func (f *ImageFilter) Path() string             { return f.cfg.Path }
func (f *ImageFilter) sealed()                  {}

func (f *ImageFilter) Initialize(size image.Point) error {
	f.icon = nil
	if f.assets == nil {
		return fmt.Errorf("no asset loader for %s", f.cfg.Path)
	}
	icon, err := f.assets.Image(f.cfg.Path, size)
	if err != nil {
		return err
	}
	f.icon = icon
	return nil
}

func (f *ImageFilter) Transform(current FrameFunc, cached CacheFunc, inputChanged bool, _ time.Duration) (*image.RGBA, Fingerprint) {
	if f.icon == nil || !inputChanged {
		return nil, f.fp
	}
	if img := cached(f.fp); img != nil {
		return img, f.fp
	}
	dst := current()
	b := dst.Bounds()
	ib := f.icon.Bounds()
	at := image.Pt(b.Min.X+(b.Dx()-ib.Dx())/2, b.Min.Y+(b.Dy()-ib.Dy())/2)
	draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(ib.Size())}, f.icon, ib.Min, draw.Over)
	return dst, f.fp
}
