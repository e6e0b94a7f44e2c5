package detections

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// letterbox records how an image was fitted into the model input so boxes
// can be mapped back.
type letterbox struct {
	scale      float32
	padX, padY float32
	origW      int
	origH      int
}

// fitInput resizes img keeping its aspect ratio and pads it to width x height.
func fitInput(img image.Image, width, height int) (*image.NRGBA, letterbox) {
	b := img.Bounds()
	iw, ih := b.Dx(), b.Dy()

	r := math.Min(float64(width)/float64(iw), float64(height)/float64(ih))
	nw := int(math.Round(float64(iw) * r))
	nh := int(math.Round(float64(ih) * r))

	var resized *image.NRGBA
	if nw == iw && nh == ih {
		resized = imaging.Clone(img)
	} else {
		resized = imaging.Resize(img, nw, nh, imaging.Linear)
	}

	left := int(math.Round(float64(width-nw)/2 - 0.1))
	top := int(math.Round(float64(height-nh)/2 - 0.1))

	canvas := imaging.New(width, height, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 0xff})
	canvas = imaging.Paste(canvas, resized, image.Pt(left, top))

	return canvas, letterbox{
		scale: float32(r),
		padX:  float32(left),
		padY:  float32(top),
		origW: iw,
		origH: ih,
	}
}

// toOriginal maps a box from input space back to the source image, clipped
// to its bounds.
func (lb letterbox) toOriginal(box [4]float32) [4]float32 {
	x1 := (box[0] - lb.padX) / lb.scale
	y1 := (box[1] - lb.padY) / lb.scale
	x2 := (box[2] - lb.padX) / lb.scale
	y2 := (box[3] - lb.padY) / lb.scale

	w, h := float32(lb.origW), float32(lb.origH)
	return [4]float32{
		clamp(x1, 0, w),
		clamp(y1, 0, h),
		clamp(x2, 0, w),
		clamp(y2, 0, h),
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// parallelRows is the input height above which packing is split across
// goroutines.
const parallelRows = 128

type channelProcessor struct {
	width, height int
	channelSize   int
	numWorkers    int
}

func newChannelProcessor(width, height int) *channelProcessor {
	workers := runtime.GOMAXPROCS(0)
	if height < parallelRows || workers < 1 {
		workers = 1
	}
	return &channelProcessor{
		width:       width,
		height:      height,
		channelSize: width * height,
		numWorkers:  workers,
	}
}

// pack writes img into dst as planar RGB scaled to [0, 1].
func (cp *channelProcessor) pack(img *image.NRGBA, dst []float32) {
	rowsPerWorker := cp.height / cp.numWorkers

	var wg sync.WaitGroup
	wg.Add(cp.numWorkers)
	for w := 0; w < cp.numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if w == cp.numWorkers-1 {
			end = cp.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * cp.width
				for x := 0; x < cp.width; x++ {
					i := offset + x
					s := x * 4
					dst[i] = float32(src[s]) / 255.0
					dst[cp.channelSize+i] = float32(src[s+1]) / 255.0
					dst[cp.channelSize*2+i] = float32(src[s+2]) / 255.0
				}
			}
		}(start, end)
	}
	wg.Wait()
}
