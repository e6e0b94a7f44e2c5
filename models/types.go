package models

import (
	"image"
	"image/color"
	"time"
)

// Box is one raw detection as the model produced it, in original image pixels.
type Box struct {
	XYXY [4]float32
	Conf float32
	Cls  int
}

// Result holds the detections for a single input image.
type Result struct {
	Boxes     []Box
	Names     []string // class-name table, indexed by class id
	OrigShape image.Point
	Timings   ProcessingTimings
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	NMS         time.Duration
	Total       time.Duration
}

// RGBImage is an in-memory image with 3 bytes per pixel (R, G, B).
type RGBImage struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

func NewRGBImage(r image.Rectangle) *RGBImage {
	w, h := r.Dx(), r.Dy()
	return &RGBImage{
		Pix:    make([]uint8, 3*w*h),
		Stride: 3 * w,
		Rect:   r,
	}
}

func (p *RGBImage) ColorModel() color.Model { return color.RGBAModel }

func (p *RGBImage) Bounds() image.Rectangle { return p.Rect }

// Channels is always 3.
func (p *RGBImage) Channels() int { return 3 }

func (p *RGBImage) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
}

func (p *RGBImage) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 0xff}
}
