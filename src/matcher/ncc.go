package matcher

import (
	"errors"
	"image"
	"math"
	"sort"
)

// ErrTemplateTooLarge is returned when the template does not fit the screen.
var ErrTemplateTooLarge = errors.New("matcher: template larger than screen")

const (
	minCoarseSide   = 8
	coarseCandidate = 5
)

// grayImage is a luminance plane in row-major order.
type grayImage struct {
	w, h int
	pix  []float64
}

func toGray(img image.Image) *grayImage {
	b := img.Bounds()
	g := &grayImage{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < g.h; y++ {
			off := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			row := rgba.Pix[off : off+4*g.w]
			for x := 0; x < g.w; x++ {
				p := row[4*x : 4*x+3]
				g.pix[y*g.w+x] = 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
			}
		}
		return g
	}

	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.pix[y*g.w+x] = (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(bl)) / 257
		}
	}
	return g
}

// downsample box-averages f×f blocks.
func (g *grayImage) downsample(f int) *grayImage {
	if f <= 1 {
		return g
	}
	out := &grayImage{w: g.w / f, h: g.h / f}
	out.pix = make([]float64, out.w*out.h)
	area := float64(f * f)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			var sum float64
			for dy := 0; dy < f; dy++ {
				row := g.pix[(y*f+dy)*g.w+x*f:]
				for dx := 0; dx < f; dx++ {
					sum += row[dx]
				}
			}
			out.pix[y*out.w+x] = sum / area
		}
	}
	return out
}

// integral holds summed-area tables of values and squared values.
type integral struct {
	stride  int
	sum, sq []float64
}

func newIntegral(g *grayImage) *integral {
	stride := g.w + 1
	in := &integral{
		stride: stride,
		sum:    make([]float64, stride*(g.h+1)),
		sq:     make([]float64, stride*(g.h+1)),
	}
	for y := 0; y < g.h; y++ {
		var rowSum, rowSq float64
		for x := 0; x < g.w; x++ {
			v := g.pix[y*g.w+x]
			rowSum += v
			rowSq += v * v
			i := (y+1)*stride + x + 1
			in.sum[i] = in.sum[i-stride] + rowSum
			in.sq[i] = in.sq[i-stride] + rowSq
		}
	}
	return in
}

func (in *integral) window(x, y, w, h int) (sum, sq float64) {
	a := y*in.stride + x
	b := a + w
	c := (y+h)*in.stride + x
	d := c + w
	return in.sum[d] - in.sum[b] - in.sum[c] + in.sum[a],
		in.sq[d] - in.sq[b] - in.sq[c] + in.sq[a]
}

// pattern is a zero-mean template ready for correlation.
type pattern struct {
	w, h int
	zero []float64
	norm float64
}

func newPattern(g *grayImage) *pattern {
	n := float64(len(g.pix))
	var mean float64
	for _, v := range g.pix {
		mean += v
	}
	mean /= n
	p := &pattern{w: g.w, h: g.h, zero: make([]float64, len(g.pix))}
	var ss float64
	for i, v := range g.pix {
		d := v - mean
		p.zero[i] = d
		ss += d * d
	}
	p.norm = math.Sqrt(ss)
	return p
}

// score is the normalized correlation coefficient at (x, y), in [-1, 1].
// Flat windows or flat templates score 0.
func score(screen *grayImage, in *integral, p *pattern, x, y int) float64 {
	if p.norm == 0 {
		return 0
	}
	sum, sq := in.window(x, y, p.w, p.h)
	variance := sq - sum*sum/float64(p.w*p.h)
	if variance <= 1e-9 {
		return 0
	}
	var dot float64
	for j := 0; j < p.h; j++ {
		row := screen.pix[(y+j)*screen.w+x : (y+j)*screen.w+x+p.w]
		trow := p.zero[j*p.w : (j+1)*p.w]
		for i, t := range trow {
			dot += t * row[i]
		}
	}
	return dot / (p.norm * math.Sqrt(variance))
}

// Result is the best template position in screen pixel coordinates
// (relative to the screen image origin).
type Result struct {
	X, Y  int
	W, H  int
	Score float64
}

// Center returns the centre of the matched area.
func (r Result) Center() image.Point {
	return image.Pt(r.X+r.W/2, r.Y+r.H/2)
}

type candidate struct {
	x, y  int
	score float64
}

// search scans positions in [x0,x1]×[y0,y1] and keeps the best k.
func search(screen *grayImage, in *integral, p *pattern, x0, y0, x1, y1, k int) []candidate {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, screen.w-p.w), min(y1, screen.h-p.h)
	var best []candidate
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			s := score(screen, in, p, x, y)
			if len(best) < k {
				best = append(best, candidate{x, y, s})
				sort.Slice(best, func(i, j int) bool { return best[i].score > best[j].score })
				continue
			}
			if s > best[k-1].score {
				best[k-1] = candidate{x, y, s}
				sort.Slice(best, func(i, j int) bool { return best[i].score > best[j].score })
			}
		}
	}
	return best
}

// coarseFactor picks a pyramid factor that keeps the shrunken template at
// least minCoarseSide pixels on each side.
func coarseFactor(scale, tw, th int) int {
	f := scale
	if lim := tw / minCoarseSide; lim < f {
		f = lim
	}
	if lim := th / minCoarseSide; lim < f {
		f = lim
	}
	if f < 1 {
		f = 1
	}
	return f
}

// locate finds tmpl in screen. With scale > 1 it searches a downsampled
// pair first and refines the best coarse candidates at full resolution.
func locate(screen, tmpl *grayImage, scale int) (Result, error) {
	if tmpl.w == 0 || tmpl.h == 0 || tmpl.w > screen.w || tmpl.h > screen.h {
		return Result{}, ErrTemplateTooLarge
	}
	full := newPattern(tmpl)
	fullIn := newIntegral(screen)

	f := coarseFactor(scale, tmpl.w, tmpl.h)
	var best []candidate
	if f == 1 {
		best = search(screen, fullIn, full, 0, 0, screen.w, screen.h, 1)
	} else {
		cs, ct := screen.downsample(f), tmpl.downsample(f)
		coarse := search(cs, newIntegral(cs), newPattern(ct), 0, 0, cs.w, cs.h, coarseCandidate)
		for _, c := range coarse {
			x, y := c.x*f, c.y*f
			refined := search(screen, fullIn, full, x-f, y-f, x+f, y+f, 1)
			best = append(best, refined...)
		}
		sort.Slice(best, func(i, j int) bool { return best[i].score > best[j].score })
	}
	if len(best) == 0 {
		return Result{}, ErrTemplateTooLarge
	}
	return Result{X: best[0].x, Y: best[0].y, W: tmpl.w, H: tmpl.h, Score: best[0].score}, nil
}
