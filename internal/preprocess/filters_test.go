package preprocess

import (
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func TestMedianFilterRemovesIsolatedSpecks(t *testing.T) {
	img := imaging.New(21, 21, color.White)
	img.Set(10, 10, color.Black)

	out := medianFilter3(img)
	if v := out.Pix[10*out.Stride+10*4]; v != 255 {
		t.Fatalf("speck survived: pixel = %d", v)
	}
}

func TestMedianFilterPreservesSolidRegions(t *testing.T) {
	img := imaging.New(21, 21, color.White)
	for y := 5; y < 16; y++ {
		for x := 5; x < 16; x++ {
			img.Set(x, y, color.Black)
		}
	}

	out := medianFilter3(img)
	if v := out.Pix[10*out.Stride+10*4]; v != 0 {
		t.Fatalf("solid region center = %d, want 0", v)
	}
	if v := out.Pix[2*out.Stride+2*4]; v != 255 {
		t.Fatalf("background = %d, want 255", v)
	}
}

func TestMedianFilterLeavesBordersUntouched(t *testing.T) {
	img := imaging.New(9, 9, color.White)
	img.Set(0, 0, color.Black)

	out := medianFilter3(img)
	if v := out.Pix[0]; v != 0 {
		t.Fatalf("border pixel changed: %d", v)
	}
}

func TestAdaptiveBinarizeOutputsOnlyBlackAndWhite(t *testing.T) {
	// horizontal gradient, every gray level present
	img := imaging.New(128, 32, color.White)
	for y := 0; y < 32; y++ {
		for x := 0; x < 128; x++ {
			v := uint8(x * 2)
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}

	out := adaptiveBinarize(img, 31, 15)
	for y := 0; y < 32; y++ {
		for x := 0; x < 128; x++ {
			v := out.Pix[y*out.Stride+x*4]
			if v != 0 && v != 255 {
				t.Fatalf("pixel (%d,%d) = %d", x, y, v)
			}
		}
	}
}

func TestAdaptiveBinarizeSeparatesInkFromPaper(t *testing.T) {
	img := imaging.New(100, 100, color.White)
	for y := 46; y < 54; y++ {
		for x := 46; x < 54; x++ {
			img.Set(x, y, color.Black)
		}
	}

	out := adaptiveBinarize(img, 31, 15)
	if v := out.Pix[50*out.Stride+50*4]; v != 0 {
		t.Fatalf("ink center = %d, want 0", v)
	}
	if v := out.Pix[10*out.Stride+10*4]; v != 255 {
		t.Fatalf("paper = %d, want 255", v)
	}
}

func TestAdaptiveBinarizeHandlesUnevenLighting(t *testing.T) {
	// dark mark on a dim half of the page: a global threshold at 128 would
	// wipe the whole half, the local one keeps the mark separate
	img := imaging.New(120, 60, color.White)
	for y := 0; y < 60; y++ {
		for x := 0; x < 60; x++ {
			img.Set(x, y, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	for y := 26; y < 34; y++ {
		for x := 26; x < 34; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
		}
	}

	out := adaptiveBinarize(img, 31, 15)
	if v := out.Pix[30*out.Stride+30*4]; v != 0 {
		t.Fatalf("mark on dim half = %d, want 0", v)
	}
	if v := out.Pix[10*out.Stride+10*4]; v != 255 {
		t.Fatalf("dim background = %d, want 255", v)
	}
}
