// Package preprocess implements the deterministic image normalization
// pipeline applied to every scanned page before field extraction: EXIF
// orientation, OSD rotation, despeckle + sharpen, size capping, adaptive
// binarization and small-angle deskew. The output is always PNG.
package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
)

// OSDConfThreshold is the minimum tesseract orientation confidence required
// before we trust a non-zero rotation. Tunable policy, not a hard guarantee.
const OSDConfThreshold = 3.0

// DefaultMaxSide caps the longer side of the normalized image.
const DefaultMaxSide = 1800

// Meta records what the normalizer actually did to an image. It is attached
// read-only to the resulting item as its quality block.
type Meta struct {
	Steps        []string `json:"steps"`
	ExifApplied  bool     `json:"exif_applied"`
	OSDAngle     *int     `json:"osd_angle,omitempty"`
	OSDConf      *float64 `json:"osd_conf,omitempty"`
	RotatedFinal int      `json:"rotated_final,omitempty"`
	Width        int      `json:"w"`
	Height       int      `json:"h"`
}

// OrientationDetector estimates a page rotation (0/90/180/270 clockwise) and
// a confidence score. Implemented by ocr.OSD; stubbed in tests.
type OrientationDetector interface {
	Detect(ctx context.Context, png []byte) (angle int, conf float64, err error)
}

// Normalizer runs the pixel pipeline. Zero value is not usable; use New.
type Normalizer struct {
	osd     OrientationDetector
	maxSide int
	logger  *slog.Logger
}

// New builds a Normalizer. osd may be nil, in which case the orientation
// step is skipped entirely (and omitted from Meta.Steps).
func New(osd OrientationDetector, maxSide int, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	return &Normalizer{osd: osd, maxSide: maxSide, logger: logger}
}

// Normalize converts raw image bytes into a clean black/white PNG plus the
// per-step metadata. The only fatal error is an undecodable input; every
// internal sub-step that fails is skipped and left out of Meta.Steps.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) ([]byte, Meta, error) {
	meta := Meta{Steps: []string{}}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, meta, fmt.Errorf("decode image: %w", err)
	}

	// 1) EXIF orientation
	img = applyEXIF(raw, img, &meta)

	// 2) OSD rotation (multiples of 90 only, transpose-based, lossless)
	if n.osd != nil {
		n.applyOSD(ctx, &img, &meta)
	}

	// 3) grayscale + despeckle + sharpen
	img = imaging.Grayscale(img)
	img = medianFilter3(img)
	img = imaging.Sharpen(img, 1.0)
	meta.Steps = append(meta.Steps, "enhance_basic")

	// 4) size cap: downscale only, aspect preserved
	b := img.Bounds()
	if b.Dx() > n.maxSide || b.Dy() > n.maxSide {
		img = imaging.Fit(img, n.maxSide, n.maxSide, imaging.Box)
	}

	// 5) adaptive binarization (gaussian window 31, bias 15)
	img = adaptiveBinarize(img, 31, 15)
	meta.Steps = append(meta.Steps, "adaptive_binarize")

	// 6) small-angle deskew at fixed size: Rotate grows the canvas to fit,
	// which would break the size cap, so crop back to the original bounds
	if angle, ok := estimateSkew(img); ok {
		// estimateSkew reports the visual clockwise tilt; imaging.Rotate is
		// counter-clockwise for positive angles, so this cancels it.
		pre := img.Bounds()
		img = imaging.Rotate(img, angle, color.White)
		img = imaging.CropCenter(img, pre.Dx(), pre.Dy())
		meta.Steps = append(meta.Steps, fmt.Sprintf("deskew_%.2f", angle))
	}

	fb := img.Bounds()
	meta.Width, meta.Height = fb.Dx(), fb.Dy()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, meta, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), meta, nil
}

func (n *Normalizer) applyOSD(ctx context.Context, img *image.Image, meta *Meta) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, *img, imaging.PNG); err != nil {
		n.logger.Warn("preprocess.osd.encode_failed", "error", err)
		return
	}
	angle, conf, err := n.osd.Detect(ctx, buf.Bytes())
	if err != nil {
		n.logger.Debug("preprocess.osd.skipped", "error", err)
		return
	}
	meta.OSDAngle = &angle
	meta.OSDConf = &conf
	if conf < OSDConfThreshold || angle == 0 {
		return
	}
	*img = rotateClockwise(*img, angle)
	meta.RotatedFinal += angle
	meta.Steps = append(meta.Steps, fmt.Sprintf("rotate_%d", angle))
}

// rotateClockwise rotates by a multiple of 90 degrees clockwise using
// transpose operations, so no interpolation artifacts are introduced.
// imaging's Rotate90/180/270 rotate counter-clockwise.
func rotateClockwise(img image.Image, angle int) image.Image {
	switch ((angle % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// estimateSkew fits the dominant text-block axis via second-order moments of
// the foreground (black) pixels and reports the correction angle in degrees.
// Only angles in (0.5, 5.0] are worth correcting: smaller is noise, larger
// means the orientation step already went wrong and a small-angle rotation
// would not fix it.
func estimateSkew(img image.Image) (float64, bool) {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()

	var n, sx, sy float64
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			if row[x*4] < 128 {
				n++
				sx += float64(x)
				sy += float64(y)
			}
		}
	}
	if n < 64 {
		return 0, false
	}
	cx, cy := sx/n, sy/n

	var mu20, mu02, mu11 float64
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()*4]
		dy := float64(y) - cy
		for x := 0; x < b.Dx(); x++ {
			if row[x*4] < 128 {
				dx := float64(x) - cx
				mu20 += dx * dx
				mu02 += dy * dy
				mu11 += dx * dy
			}
		}
	}

	theta := 0.5 * math.Atan2(2*mu11, mu20-mu02)
	deg := theta * 180 / math.Pi
	// fold into (-45, 45]: we only ever correct residual skew
	for deg > 45 {
		deg -= 90
	}
	for deg <= -45 {
		deg += 90
	}
	abs := math.Abs(deg)
	if abs <= 0.5 || abs > 5.0 {
		return 0, false
	}
	return deg, true
}
