package display

import (
	"image"
	"image/color"
	"image/draw"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
)

type stage struct {
	filter Filter
	last   *image.RGBA
}

// Pipeline composes the filters of one button. It starts from an opaque
// black canvas and applies image, pulse and text filters in that order
// regardless of the order they were passed in.
//
// A Pipeline is not safe for concurrent use; the compositor only ever
// evaluates it from the render loop.
type Pipeline struct {
	size     image.Point
	base     *image.RGBA
	baseFP   Fingerprint
	stages   []*stage
	cache    map[Fingerprint]*image.RGBA
	firstRun bool
	fp       Fingerprint
	animated bool
	last     *image.RGBA
}

// NewPipeline builds an uninitialized pipeline for a square or rectangular
// canvas of the given size.
func NewPipeline(size image.Point, filters ...Filter) *Pipeline {
	sorted := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			sorted = append(sorted, f)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Kind() < sorted[j].Kind()
	})

	base := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(base, base.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	p := &Pipeline{
		size:     size,
		base:     base,
		baseFP:   baseFingerprint(size),
		cache:    make(map[Fingerprint]*image.RGBA),
		firstRun: true,
	}
	p.fp = p.baseFP
	for _, f := range sorted {
		p.stages = append(p.stages, &stage{filter: f})
		p.fp = combine(p.fp, f.Fingerprint())
		if f.Animated() {
			p.animated = true
		}
	}
	return p
}

// Initialize prepares every filter for the pipeline's canvas size. A filter
// that fails keeps its place in the chain and contributes nothing; the
// failure is logged here and never again for this pipeline.
func (p *Pipeline) Initialize(logger hclog.Logger) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	for i, s := range p.stages {
		if err := s.filter.Initialize(p.size); err != nil {
			logger.Warn("filter initialization failed, rendering it empty",
				"stage", i, "kind", s.filter.Kind(), "error", err)
		}
	}
}

// Fingerprint is the ordered fold of the base canvas and every filter
// fingerprint. It does not depend on animation time.
func (p *Pipeline) Fingerprint() Fingerprint { return p.fp }

// Animated reports whether any filter renders differently over time.
func (p *Pipeline) Animated() bool { return p.animated }

// Size is the canvas size.
func (p *Pipeline) Size() image.Point { return p.size }

// Filters returns the filters in composition order.
func (p *Pipeline) Filters() []Filter {
	out := make([]Filter, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.filter
	}
	return out
}

// Last returns the most recent composed frame, or nil before the first
// Execute. The image is shared and must not be modified.
func (p *Pipeline) Last() *image.RGBA { return p.last }

// Execute evaluates the chain for the given time since the compositor
// started. It returns a nil image when the output did not change since the
// previous call.
func (p *Pipeline) Execute(elapsed time.Duration) (*image.RGBA, Fingerprint) {
	current := p.base
	chain := p.baseFP
	modified := p.firstRun
	animatedUpstream := false

	for _, s := range p.stages {
		input := current
		upstream := chain
		afterAnimation := animatedUpstream

		frame := func() *image.RGBA { return cloneRGBA(input) }
		cached := func(fp Fingerprint) *image.RGBA {
			if afterAnimation {
				return nil
			}
			return p.cache[combine(upstream, fp)]
		}

		out, fp := s.filter.Transform(frame, cached, modified, elapsed)
		chain = combine(chain, fp)

		switch {
		case out != nil:
			modified = true
			s.last = out
		case s.last != nil && !modified:
			out = s.last
		default:
			// nothing rendered yet, or upstream changed under a stage that
			// chose not to redraw: pass the input through
			out = input
			s.last = input
		}

		if s.filter.Animated() {
			animatedUpstream = true
		} else if !animatedUpstream {
			p.cache[chain] = out
		}
		current = out
	}

	p.firstRun = false
	if !modified && p.last != nil {
		return nil, chain
	}
	p.last = current
	return current, chain
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	if src.Stride == dst.Stride && len(src.Pix) == len(dst.Pix) {
		copy(dst.Pix, src.Pix)
		return dst
	}
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}
