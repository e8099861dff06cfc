package preprocess

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// applyEXIF honours the stored EXIF orientation tag, if any. PNG output
// never carries EXIF, which is what makes a second Normalize run a no-op
// for this step. Any decode failure just skips the step.
func applyEXIF(raw []byte, img image.Image, meta *Meta) image.Image {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return img
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return img
	}
	o, err := tag.Int(0)
	if err != nil || o <= 1 || o > 8 {
		return img
	}

	switch o {
	case 2:
		img = imaging.FlipH(img)
	case 3:
		img = imaging.Rotate180(img)
	case 4:
		img = imaging.FlipV(img)
	case 5:
		img = imaging.Transpose(img)
	case 6:
		img = imaging.Rotate270(img) // 90 clockwise
	case 7:
		img = imaging.Transverse(img)
	case 8:
		img = imaging.Rotate90(img) // 90 counter-clockwise
	}
	meta.ExifApplied = true
	meta.Steps = append(meta.Steps, "exif_transpose")
	return img
}
