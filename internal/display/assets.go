package display

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/gift"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// Assets loads and caches icons and fonts shared by every pipeline of a
// process. It is safe for concurrent use.
type Assets struct {
	fontsDir    string
	defaultFont string

	mu     sync.Mutex
	images map[imageKey]cachedImage
	fonts  map[string]*opentype.Font
}

type imageKey struct {
	path string
	size image.Point
}

// cachedImage is valid while the file keeps its modification time.
type cachedImage struct {
	modTime int64
	img     *image.RGBA
}

// NewAssets returns a loader resolving relative font names against
// fontsDir. An empty defaultFont selects the bundled Go Regular face.
func NewAssets(fontsDir, defaultFont string) *Assets {
	return &Assets{
		fontsDir:    fontsDir,
		defaultFont: defaultFont,
		images:      make(map[imageKey]cachedImage),
		fonts:       make(map[string]*opentype.Font),
	}
}

// Image returns the icon at path scaled to fit inside size, keeping its
// aspect ratio. Raster images are never enlarged; SVGs are rendered at the
// target size. A file rewritten since it was cached is loaded again. The
// returned image is shared and must not be modified.
func (a *Assets) Image(path string, size image.Point) (*image.RGBA, error) {
	key := imageKey{path: path, size: size}
	modTime, err := fileModTime(path)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if c, ok := a.images[key]; ok && c.modTime == modTime {
		a.mu.Unlock()
		return c.img, nil
	}
	a.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var img *image.RGBA
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		img, err = rasterizeSVG(data, size)
	} else {
		img, err = decodeThumbnail(data, size)
	}
	if err != nil {
		return nil, fmt.Errorf("load icon %s: %w", path, err)
	}

	a.mu.Lock()
	a.images[key] = cachedImage{modTime: modTime, img: img}
	a.mu.Unlock()
	return img, nil
}

// fileModTime returns the modification time of path in nanoseconds.
func fileModTime(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().UnixNano(), nil
}

func decodeThumbnail(data []byte, size image.Point) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Dx() > size.X || b.Dy() > size.Y {
		g := gift.New(gift.ResizeToFit(size.X, size.Y, gift.LanczosResampling))
		dst := image.NewRGBA(g.Bounds(b))
		g.Draw(dst, src)
		return dst, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

func rasterizeSVG(data []byte, size image.Point) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	w, h := size.X, size.Y
	if vw, vh := icon.ViewBox.W, icon.ViewBox.H; vw > 0 && vh > 0 {
		scale := float64(size.X) / vw
		if s := float64(size.Y) / vh; s < scale {
			scale = s
		}
		w, h = int(vw*scale), int(vh*scale)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("svg has empty view box")
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	icon.SetTarget(0, 0, float64(w), float64(h))
	scanner := rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())
	dasher := rasterx.NewDasher(w, h, scanner)
	icon.Draw(dasher, 1.0)
	return rgba, nil
}

// Face opens a font face of the given point size at 72 DPI. Faces are not
// safe for concurrent use, so every caller gets its own; the parsed font
// behind it is cached.
func (a *Assets) Face(name string, points float64) (font.Face, error) {
	f, err := a.font(name)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    points,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func (a *Assets) font(name string) (*opentype.Font, error) {
	if name == "" {
		name = a.defaultFont
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if f, ok := a.fonts[name]; ok {
		return f, nil
	}

	var data []byte
	if name == "" {
		data = goregular.TTF
	} else {
		path := name
		if !filepath.IsAbs(path) && a.fontsDir != "" {
			path = filepath.Join(a.fontsDir, name)
		}
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading font file: %w", err)
		}
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing font %q: %w", name, err)
	}
	a.fonts[name] = f
	return f, nil
}
