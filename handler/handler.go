// Package handler adapts an object-detection model to the host's
// initialize / preprocess / inference / postprocess request lifecycle.
package handler

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/object-detection-service/models"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"

	_ "golang.org/x/image/webp"
)

type PredictOptions struct {
	// Verbose enables per-call diagnostic logging in the model.
	Verbose bool
}

// Model is a loaded detection model.
type Model interface {
	Predict(imgs []image.Image, opts PredictOptions) ([]models.Result, error)
	Close() error
}

// Loader opens weight files of one native format.
type Loader interface {
	// Ext is the weight-file extension, including the dot.
	Ext() string
	Load(path string) (Model, error)
}

type Detection struct {
	XYXY [4]float32 `json:"xyxy"`
	Conf float32    `json:"conf"`
	Cls  int        `json:"cls"`
	Name string     `json:"name"`
}

type Response struct {
	Boxes []Detection `json:"boxes"`
}

// Handler owns one model for the lifetime of a worker.
type Handler struct {
	loader      Loader
	model       Model
	manifest    *Manifest
	weights     string
	initialized bool
}

func New(loader Loader) *Handler {
	return &Handler{loader: loader}
}

func (h *Handler) Initialize(hctx *Context) error {
	if hctx == nil {
		return fmt.Errorf("initialize: nil context: %w", ErrWeightsNotFound)
	}
	h.manifest = hctx.Manifest
	modelDir := hctx.SystemProperties[PropModelDir]

	weights, err := ResolveWeights(modelDir, h.loader.Ext())
	if err != nil {
		return err
	}

	model, err := h.loader.Load(weights)
	if err != nil {
		return fmt.Errorf("load model %s: %w", weights, err)
	}

	h.model = model
	h.weights = weights
	h.initialized = true

	log.WithField("weights", weights).Debug("[Handler] model loaded")
	return nil
}

// Ready reports whether Initialize has succeeded.
func (h *Handler) Ready() bool { return h.initialized }

func (h *Handler) Weights() string { return h.weights }

func (h *Handler) Manifest() *Manifest { return h.manifest }

// Preprocess decodes the first request of the batch into an RGB image.
func (h *Handler) Preprocess(batch []RawRequest) (*models.RGBImage, error) {
	if len(batch) == 0 {
		return nil, ErrNoImageBytes
	}
	payload, ok := batch[0].Payload()
	if !ok {
		return nil, ErrNoImageBytes
	}

	img, err := imaging.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return toRGB(img), nil
}

// toRGB drops alpha without compositing.
func toRGB(img image.Image) *models.RGBImage {
	src := imaging.Clone(img)
	b := src.Bounds()
	dst := models.NewRGBImage(image.Rect(0, 0, b.Dx(), b.Dy()))

	for y := 0; y < b.Dy(); y++ {
		si := y * src.Stride
		di := y * dst.Stride
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[di] = src.Pix[si]
			dst.Pix[di+1] = src.Pix[si+1]
			dst.Pix[di+2] = src.Pix[si+2]
			si += 4
			di += 3
		}
	}
	return dst
}

func (h *Handler) Inference(img *models.RGBImage) ([]models.Result, error) {
	if !h.initialized {
		return nil, ErrNotInitialized
	}
	return h.model.Predict([]image.Image{img}, PredictOptions{Verbose: false})
}

func (h *Handler) Postprocess(results []models.Result) ([]Response, error) {
	out := make([]Response, 0, len(results))
	for _, r := range results {
		boxes := make([]Detection, 0, len(r.Boxes))
		for _, b := range r.Boxes {
			if b.Cls < 0 || b.Cls >= len(r.Names) {
				return nil, fmt.Errorf("%w: %d (table has %d names)", ErrUnknownClass, b.Cls, len(r.Names))
			}
			boxes = append(boxes, Detection{
				XYXY: b.XYXY,
				Conf: b.Conf,
				Cls:  b.Cls,
				Name: r.Names[b.Cls],
			})
		}
		out = append(out, Response{Boxes: boxes})
	}
	return out, nil
}

// Handle runs the three request phases. timings may be nil.
func (h *Handler) Handle(batch []RawRequest, timings *models.ProcessingTimings) ([]Response, error) {
	start := time.Now()
	img, err := h.Preprocess(batch)
	if err != nil {
		return nil, &PhaseError{Phase: PhasePreprocess, Cause: err}
	}
	decode := time.Since(start)

	results, err := h.Inference(img)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseInference, Cause: err}
	}

	out, err := h.Postprocess(results)
	if err != nil {
		return nil, &PhaseError{Phase: PhasePostprocess, Cause: err}
	}

	if timings != nil {
		if len(results) > 0 {
			id := timings.RequestID
			*timings = results[0].Timings
			timings.RequestID = id
		}
		timings.ImageDecode = decode
		timings.Total = time.Since(start)
	}
	return out, nil
}

// Close releases the model. The handler stays marked ready.
func (h *Handler) Close() error {
	if h.model == nil {
		return nil
	}
	return h.model.Close()
}
