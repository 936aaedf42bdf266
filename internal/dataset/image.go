package dataset

import (
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// MeanBGR is the per-channel ImageNet mean the pretrained weights expect.
var MeanBGR = [3]float64{104, 117, 124}

// LoadImage decodes the image at path, resizes it to size x size and returns
// it as HWC float64 values in BGR order with MeanBGR subtracted. With flip the
// image is mirrored horizontally.
func LoadImage(path string, size int, flip bool) ([]float64, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Errorf("decode image %s: empty image", path)
	}
	if flip {
		img = imaging.FlipH(img)
	}
	nrgba := imaging.Resize(img, size, size, imaging.Linear)
	out := make([]float64, size*size*3)
	for y := 0; y < size; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			dst := out[(y*size+x)*3 : (y*size+x+1)*3]
			dst[0] = float64(px[2]) - MeanBGR[0]
			dst[1] = float64(px[1]) - MeanBGR[1]
			dst[2] = float64(px[0]) - MeanBGR[2]
		}
	}
	return out, nil
}
