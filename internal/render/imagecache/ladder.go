package imagecache

import (
	"image"
	"image/draw"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/tuning"
)

const (
	DaySteps   = 7
	NightSteps = 5
	Steps      = DaySteps + NightSteps
)

// Index maps a brightness stack onto a ladder position. Night variants are
// used when moonlight dominates: it is night and no indoor light outshines
// the outdoor level.
func Index(s protocol.Stack, night bool) int {
	if night && s.Indoor <= s.Outdoor {
		return DaySteps + clamp(int(s.Outdoor), 0, NightSteps-1)
	}
	return clamp(int(s.Level()), 1, DaySteps) - 1
}

// Ladder describes how the variants are derived from a source image.
// Factors are permille.
type Ladder struct {
	MinDay          int
	NightMin        int
	NightMax        int
	NightDesaturate int
	NightTint       [3]int
	NightTintAmount int
}

func LadderFromTuning(t tuning.ImageLadder) Ladder {
	return Ladder{
		MinDay:          t.MinDayPermille,
		NightMin:        t.NightMinPermille,
		NightMax:        t.NightMaxPermille,
		NightDesaturate: t.NightDesaturatePermille,
		NightTint:       t.NightTint,
		NightTintAmount: t.NightTintPermille,
	}
}

// Factor is the brightness multiplier of ladder step i.
func (l Ladder) Factor(i int) int {
	if i < DaySteps {
		return l.MinDay + (1000-l.MinDay)*i/(DaySteps-1)
	}
	j := i - DaySteps
	return l.NightMin + (l.NightMax-l.NightMin)*j/(NightSteps-1)
}

// Build derives every variant of src.
func (l Ladder) Build(src *image.NRGBA) [Steps]*image.NRGBA {
	var out [Steps]*image.NRGBA
	for i := range out {
		out[i] = l.variant(src, i)
	}
	return out
}

func (l Ladder) variant(src *image.NRGBA, i int) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	factor := l.Factor(i)
	night := i >= DaySteps
	for y := b.Min.Y; y < b.Max.Y; y++ {
		so := src.PixOffset(b.Min.X, y)
		do := dst.PixOffset(b.Min.X, y)
		for x := 0; x < b.Dx(); x++ {
			p := src.Pix[so+4*x : so+4*x+4]
			r, g, bl := int(p[0]), int(p[1]), int(p[2])
			if night {
				gray := (299*r + 587*g + 114*bl) / 1000
				r += (gray - r) * l.NightDesaturate / 1000
				g += (gray - g) * l.NightDesaturate / 1000
				bl += (gray - bl) * l.NightDesaturate / 1000
				r += (l.NightTint[0] - r) * l.NightTintAmount / 1000
				g += (l.NightTint[1] - g) * l.NightTintAmount / 1000
				bl += (l.NightTint[2] - bl) * l.NightTintAmount / 1000
			}
			q := dst.Pix[do+4*x : do+4*x+4]
			q[0] = channel(r * factor / 1000)
			q[1] = channel(g * factor / 1000)
			q[2] = channel(bl * factor / 1000)
			q[3] = p[3]
		}
	}
	return dst
}

// toNRGBA converts any image to a zero-origin NRGBA copy.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

func channel(v int) uint8 {
	return uint8(clamp(v, 0, 255))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
