package main

import (
	"image"
)

const (
	// DefaultBlockSize is the side of the square neighborhood used for the local mean.
	DefaultBlockSize = 32
	// DefaultBias is subtracted from the local mean so flat regions come out white.
	DefaultBias = 5
)

// Binarizer converts color buffers to black and white using a local-mean
// adaptive threshold. Scratch planes come from a pool; one Binarizer must
// not be used by two invocations at the same time.
type Binarizer struct {
	pool *bufferPool
}

// NewBinarizer returns a Binarizer drawing scratch buffers from pool.
func NewBinarizer(pool *bufferPool) *Binarizer {
	if pool == nil {
		pool = newBufferPool(1)
	}
	return &Binarizer{pool: pool}
}

// Binarize is a convenience wrapper around a single-use Binarizer.
func Binarize(src *image.NRGBA, blockSize, bias int) *image.NRGBA {
	return NewBinarizer(nil).Binarize(src, blockSize, bias)
}

// Binarize returns a new buffer the size of src where each pixel is white
// when its gray value is above the mean of its neighborhood minus bias, and
// black otherwise. Gray is the unweighted mean of R, G and B.
//
// The neighborhood of (x,y) spans columns [x-blockSize/2, x-blockSize/2+blockSize)
// and the same rows, clipped to the image. Means come from a summed-area
// table built over the grayscale plane, so the cost does not depend on blockSize.
func (b *Binarizer) Binarize(src *image.NRGBA, blockSize, bias int) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}
	if blockSize < 1 {
		blockSize = 1
	}

	b.pool.with(w, h, func(s *scratch) {
		fillGray(s, src)
		fillSummedArea(s)

		half := blockSize / 2
		stride := w + 1
		bias64 := int64(bias)
		for y := 0; y < h; y++ {
			y0 := max(y-half, 0)
			y1 := min(y-half+blockSize, h)
			for x := 0; x < w; x++ {
				x0 := max(x-half, 0)
				x1 := min(x-half+blockSize, w)

				sum := s.sat[y1*stride+x1] - s.sat[y0*stride+x1] - s.sat[y1*stride+x0] + s.sat[y0*stride+x0]
				count := int64((x1 - x0) * (y1 - y0))
				gray := int64(s.gray[y*w+x])

				// gray > sum/count - bias, kept in integers.
				var v uint8
				if (gray+bias64)*count > sum {
					v = 255
				}

				si := src.PixOffset(src.Rect.Min.X+x, src.Rect.Min.Y+y)
				di := dst.PixOffset(x, y)
				dst.Pix[di+0] = v
				dst.Pix[di+1] = v
				dst.Pix[di+2] = v
				dst.Pix[di+3] = src.Pix[si+3]
			}
		}
	})

	return dst
}

func fillGray(s *scratch, src *image.NRGBA) {
	for y := 0; y < s.h; y++ {
		i := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		row := s.gray[y*s.w : (y+1)*s.w]
		for x := range row {
			p := src.Pix[i : i+3 : i+3]
			row[x] = uint8((int(p[0]) + int(p[1]) + int(p[2]) + 1) / 3)
			i += 4
		}
	}
}

func fillSummedArea(s *scratch) {
	stride := s.w + 1
	for y := 0; y < s.h; y++ {
		var rowSum int64
		for x := 0; x < s.w; x++ {
			rowSum += int64(s.gray[y*s.w+x])
			s.sat[(y+1)*stride+x+1] = s.sat[y*stride+x+1] + rowSum
		}
	}
}
