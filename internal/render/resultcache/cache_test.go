package resultcache

import (
	"errors"
	"fmt"
	"image"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/gridhash"
)

type fakeImages struct {
	made map[string]image.Image
}

func (f *fakeImages) VariantFor(assetID string, s protocol.Stack, night bool) (image.Image, error) {
	if assetID == "missing" {
		return nil, errors.New("no such asset")
	}
	key := fmt.Sprintf("%s/%d/%d/%v", assetID, s.Indoor, s.Outdoor, night)
	if img, ok := f.made[key]; ok {
		return img, nil
	}
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	f.made[key] = img
	return img, nil
}

func newCache(t *testing.T) (*Cache, gridhash.Codec) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	c := New(&fakeImages{made: map[string]image.Image{}}, l)
	if err := c.RegisterGrid("G", 16); err != nil {
		t.Fatalf("RegisterGrid: %v", err)
	}
	return c, gridhash.MustCodec(16)
}

func batch(hour float64, full bool, values ...uint64) protocol.LightDeltaMsg {
	return protocol.LightDeltaMsg{Type: protocol.TypeLightDelta, GridID: "G", Hour: hour, Full: full, Values: values}
}

func wire(h gridhash.Hash, outdoor int) uint64 {
	return protocol.PackWire(uint32(h), protocol.Stack{}, protocol.NewStack(0, outdoor))
}

func outdoor(t *testing.T, c *Cache, h gridhash.Hash) uint8 {
	t.Helper()
	_, out, err := c.BrightnessFor("G", h, protocol.LayerPrimary)
	if err != nil {
		t.Fatalf("BrightnessFor: %v", err)
	}
	return out
}

func TestApply_UnknownGridDropped(t *testing.T) {
	c, _ := newCache(t)
	msg := batch(12, false, 1)
	msg.GridID = "NOPE"
	if err := c.Apply(msg); !errors.Is(err, ErrUnknownGrid) {
		t.Fatalf("expected ErrUnknownGrid, got %v", err)
	}
	if _, _, err := c.BrightnessFor("NOPE", 0, protocol.LayerPrimary); !errors.Is(err, ErrUnknownGrid) {
		t.Fatalf("expected ErrUnknownGrid, got %v", err)
	}
}

func TestApply_MergesAndUnpacks(t *testing.T) {
	c, codec := newCache(t)
	a, b := codec.Pack(1, 2), codec.Pack(3, 4)
	bg := protocol.NewStack(2, 5)
	v := protocol.PackWire(uint32(a), bg, protocol.NewStack(1, 6))
	if err := c.Apply(batch(12, true, v, wire(b, 3))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	in, out, _ := c.BrightnessFor("G", a, protocol.LayerBackground)
	if in != 2 || out != 5 {
		t.Fatalf("background=(%d,%d)", in, out)
	}
	if got := outdoor(t, c, a); got != 6 {
		t.Fatalf("primary outdoor=%d", got)
	}
	if err := c.Apply(batch(12, false, wire(b, 1))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := outdoor(t, c, b); got != 1 {
		t.Fatalf("delta not merged, outdoor=%d", got)
	}
	if got := outdoor(t, c, a); got != 6 {
		t.Fatalf("delta clobbered other tile, outdoor=%d", got)
	}
	if _, out, _ := c.BrightnessAt("G", 3, 4, protocol.LayerPrimary); out != 1 {
		t.Fatalf("BrightnessAt outdoor=%d", out)
	}

	if err := c.Apply(batch(12, true, wire(b, 2))); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cur, _ := c.Current("G")
	if len(cur) != 1 {
		t.Fatalf("full batch should replace current, got %d entries", len(cur))
	}
}

func TestApply_OneHourAdvanceKeepsPrevious(t *testing.T) {
	c, codec := newCache(t)
	h := codec.Pack(5, 10)
	_ = c.Apply(batch(5.5, true, wire(h, 0)))
	if c.HasPrevious("G") {
		t.Fatalf("no previous expected before the first hour change")
	}
	_ = c.Apply(batch(6.0, false, wire(h, 0)))
	if !c.HasPrevious("G") {
		t.Fatalf("expected previous after 5 -> 6")
	}
	// A later delta in the same hour must not reach the copy.
	_ = c.Apply(batch(6.5, false, wire(h, 4)))

	cur, prev, err := c.ImageVariantsFor("oak", "G", h, protocol.LayerPrimary)
	if err != nil {
		t.Fatalf("ImageVariantsFor: %v", err)
	}
	if cur == prev {
		t.Fatalf("expected distinct variants while cross-fading")
	}
	if got := outdoor(t, c, h); got != 4 {
		t.Fatalf("current outdoor=%d", got)
	}
}

func TestApply_HourGapDiscardsPrevious(t *testing.T) {
	c, codec := newCache(t)
	h := codec.Pack(5, 10)
	_ = c.Apply(batch(4, true, wire(h, 0)))
	_ = c.Apply(batch(5, false, wire(h, 0)))
	if !c.HasPrevious("G") {
		t.Fatalf("expected previous after 4 -> 5")
	}
	_ = c.Apply(batch(9, false, wire(h, 3)))
	if c.HasPrevious("G") {
		t.Fatalf("previous must be discarded after 5 -> 9")
	}
	cur, prev, err := c.ImageVariantsFor("oak", "G", h, protocol.LayerPrimary)
	if err != nil {
		t.Fatalf("ImageVariantsFor: %v", err)
	}
	if cur != prev {
		t.Fatalf("expected (current, current) without previous")
	}

	_ = c.Apply(batch(10, false, wire(h, 4)))
	if !c.HasPrevious("G") {
		t.Fatalf("expected previous after the next natural advance")
	}
	if hour, ok := c.Hour("G"); !ok || hour != 10 {
		t.Fatalf("hour=%d ok=%v", hour, ok)
	}
}

func TestApply_BackwardsHourDiscardsPrevious(t *testing.T) {
	c, codec := newCache(t)
	h := codec.Pack(0, 0)
	_ = c.Apply(batch(23, true, wire(h, 3)))
	_ = c.Apply(batch(0, false, wire(h, 2)))
	if !c.HasPrevious("G") {
		t.Fatalf("23 -> 0 is a one hour advance")
	}
	_ = c.Apply(batch(22, false, wire(h, 4)))
	if c.HasPrevious("G") {
		t.Fatalf("going back in time must discard previous")
	}
}

func TestApply_SkipsValuesBeyondPrecision(t *testing.T) {
	c, _ := newCache(t)
	if err := c.RegisterGrid("SMALL", 8); err != nil {
		t.Fatalf("RegisterGrid: %v", err)
	}
	msg := batch(12, true, wire(gridhash.Hash(1<<20), 5), wire(gridhash.MustCodec(8).Pack(2, 3), 5))
	msg.GridID = "SMALL"
	if err := c.Apply(msg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cur, _ := c.Current("SMALL")
	if len(cur) != 1 {
		t.Fatalf("expected out-of-precision value to be skipped, got %d", len(cur))
	}
}

func TestRegisterGrid_PrecisionChangeClears(t *testing.T) {
	c, codec := newCache(t)
	_ = c.Apply(batch(12, true, wire(codec.Pack(1, 1), 6)))
	if err := c.RegisterGrid("G", 16); err != nil {
		t.Fatalf("RegisterGrid: %v", err)
	}
	if cur, _ := c.Current("G"); len(cur) != 1 {
		t.Fatalf("same precision must keep results")
	}
	if err := c.RegisterGrid("G", 8); err != nil {
		t.Fatalf("RegisterGrid: %v", err)
	}
	if cur, _ := c.Current("G"); len(cur) != 0 {
		t.Fatalf("precision change must clear results")
	}
	if err := c.RegisterGrid("BAD", 0); !errors.Is(err, gridhash.ErrPrecision) {
		t.Fatalf("expected ErrPrecision, got %v", err)
	}
}
