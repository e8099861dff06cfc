package preprocess

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// medianFilter3 applies a 3x3 median (despeckle) over an already-grayscale
// image. Border pixels are left untouched.
func medianFilter3(img image.Image) *image.NRGBA {
	src := imaging.Clone(img)
	dst := imaging.Clone(src)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	var window [9]int
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				row := src.Pix[(y+dy)*src.Stride:]
				for dx := -1; dx <= 1; dx++ {
					window[k] = int(row[(x+dx)*4])
					k++
				}
			}
			vals := window[:]
			sort.Ints(vals)
			m := uint8(vals[4])
			off := y*dst.Stride + x*4
			dst.Pix[off] = m
			dst.Pix[off+1] = m
			dst.Pix[off+2] = m
		}
	}
	return dst
}

// adaptiveBinarize thresholds each pixel against a gaussian-weighted mean of
// its window x window neighbourhood minus bias: robust to uneven lighting
// where a single global threshold is not. Matches the conventional
// sigma-for-kernel-size rule (0.3*((k-1)*0.5 - 1) + 0.8).
func adaptiveBinarize(img image.Image, window int, bias float64) *image.NRGBA {
	src := imaging.Clone(img)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return src
	}

	plane := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			plane[y*w+x] = float64(row[x*4])
		}
	}

	radius := window / 2
	sigma := 0.3*(float64(window-1)*0.5-1) + 0.8
	kernel := gaussianKernel(radius, sigma)

	// separable blur: horizontal then vertical
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, wsum float64
			for k := -radius; k <= radius; k++ {
				xx := x + k
				if xx < 0 || xx >= w {
					continue
				}
				wk := kernel[k+radius]
				sum += plane[y*w+xx] * wk
				wsum += wk
			}
			tmp[y*w+x] = sum / wsum
		}
	}
	mean := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, wsum float64
			for k := -radius; k <= radius; k++ {
				yy := y + k
				if yy < 0 || yy >= h {
					continue
				}
				wk := kernel[k+radius]
				sum += tmp[yy*w+x] * wk
				wsum += wk
			}
			mean[y*w+x] = sum / wsum
		}
	}

	dst := imaging.Clone(src)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			var v uint8
			if plane[y*w+x] > mean[y*w+x]-bias {
				v = 255
			}
			off := x * 4
			row[off] = v
			row[off+1] = v
			row[off+2] = v
			row[off+3] = 255
		}
	}
	return dst
}

func gaussianKernel(radius int, sigma float64) []float64 {
	k := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		k[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	return k
}
