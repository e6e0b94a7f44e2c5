// Package detections runs YOLO-style ONNX detection models with onnxruntime.
package detections

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-service/handler"
	"github.com/Tutortoise/object-detection-service/models"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	ConfThreshold float32
	IoUThreshold  float32
	MaxDet        int
	// InputSize is used when the model declares dynamic spatial dimensions.
	InputSize      int
	IntraOpThreads int
	InterOpThreads int
}

func DefaultOptions() Options {
	return Options{
		ConfThreshold:  DefaultConfThreshold,
		IoUThreshold:   DefaultIoUThreshold,
		MaxDet:         DefaultMaxDet,
		InputSize:      DefaultInputSize,
		IntraOpThreads: runtime.NumCPU(),
		InterOpThreads: 1,
	}
}

// ErrSessionFailed marks errors raised by the onnxruntime session itself,
// as opposed to bad input.
var ErrSessionFailed = errors.New("session run failed")

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// Loader opens .onnx weight files.
type Loader struct {
	Options Options
}

func NewLoader(opts Options) *Loader {
	return &Loader{Options: opts}
}

func (l *Loader) Ext() string { return WeightsExt }

func (l *Loader) Load(path string) (handler.Model, error) {
	if !ort.IsInitialized() {
		return nil, ErrRuntimeNotInitialized
	}
	return newModel(path, l.Options)
}

// Model is a loaded ONNX detector. Predict calls are serialized because the
// session's tensors are bound once at load time.
type Model struct {
	mu         sync.Mutex
	session    *ModelSession
	names      []string
	inputW     int
	inputH     int
	numClasses int
	numAnchors int
	opts       Options
	processor  *channelProcessor
}

func newModel(path string, opts Options) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}

	inDims := inputs[0].Dimensions
	if len(inDims) != 4 {
		return nil, fmt.Errorf("input %q: expected [N,3,H,W], got %v", inputs[0].Name, inDims)
	}
	inputH, inputW := int(inDims[2]), int(inDims[3])
	if inputH <= 0 || inputW <= 0 {
		inputH, inputW = opts.InputSize, opts.InputSize
	}

	names, err := classNames(path)
	if err != nil {
		return nil, err
	}

	numClasses, numAnchors, err := outputLayout(outputs[0].Dimensions, inputW, inputH, len(names))
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", outputs[0].Name, err)
	}
	if names == nil {
		log.WithField("model", path).Warn("[Model] no class names found, using generic labels")
		names = genericNames(numClasses)
	} else if len(names) != numClasses {
		log.WithFields(log.Fields{
			"model":   path,
			"names":   len(names),
			"classes": numClasses,
		}).Warn("[Model] class-name table does not match model output")
	}

	session, err := initSession(path, inputs[0].Name, outputs[0].Name,
		ort.NewShape(1, 3, int64(inputH), int64(inputW)),
		ort.NewShape(1, int64(boxChannels+numClasses), int64(numAnchors)),
		opts)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"model":   path,
		"input":   fmt.Sprintf("%dx%d", inputW, inputH),
		"classes": numClasses,
		"anchors": numAnchors,
	}).Info("[Model] loaded")

	return &Model{
		session:    session,
		names:      names,
		inputW:     inputW,
		inputH:     inputH,
		numClasses: numClasses,
		numAnchors: numAnchors,
		opts:       opts,
		processor:  newChannelProcessor(inputW, inputH),
	}, nil
}

// classNames reads the table from model metadata, then from sidecar files.
// A nil table means none was found.
func classNames(path string) ([]string, error) {
	meta, err := ort.GetModelMetadata(path)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	defer meta.Destroy()

	literal, present, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	if present {
		return parseNamesLiteral(literal)
	}
	return loadSidecarNames(filepath.Dir(path))
}

// outputLayout derives class and anchor counts from a [1, 4+classes, anchors]
// output shape, filling dynamic dimensions from the input size and the
// class-name table.
func outputLayout(dims ort.Shape, inputW, inputH, numNames int) (int, int, error) {
	if len(dims) != 3 {
		return 0, 0, fmt.Errorf("expected [N,4+classes,anchors], got %v", dims)
	}

	channels := int(dims[1])
	if channels <= 0 {
		if numNames == 0 {
			return 0, 0, fmt.Errorf("dynamic class dimension and no class names")
		}
		channels = boxChannels + numNames
	}
	if channels <= boxChannels {
		return 0, 0, fmt.Errorf("expected more than %d channels, got %d", boxChannels, channels)
	}

	anchors := int(dims[2])
	if anchors <= 0 {
		anchors = 0
		for _, s := range anchorStrides {
			anchors += (inputW / s) * (inputH / s)
		}
	}
	return channels - boxChannels, anchors, nil
}

func initSession(path, inputName, outputName string, inputShape, outputShape ort.Shape, opts Options) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}
	if opts.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
			return nil, fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// Predict runs each image through the model in turn.
func (m *Model) Predict(imgs []image.Image, opts handler.PredictOptions) ([]models.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, &ProcessingError{Message: "model is closed"}
	}

	results := make([]models.Result, 0, len(imgs))
	for _, img := range imgs {
		r, err := m.processImage(img)
		if err != nil {
			return nil, err
		}
		if opts.Verbose {
			logTimings(&r.Timings, len(r.Boxes))
		}
		results = append(results, r)
	}
	return results, nil
}

func (m *Model) processImage(img image.Image) (models.Result, error) {
	var timings models.ProcessingTimings
	start := time.Now()

	b := img.Bounds()
	if b.Empty() {
		return models.Result{}, &ProcessingError{Message: "empty image"}
	}

	fitted, lb := fitInput(img, m.inputW, m.inputH)
	timings.Resize = time.Since(start)

	prepStart := time.Now()
	m.processor.pack(fitted, m.session.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := m.session.Session.Run(); err != nil {
		return models.Result{}, &ProcessingError{Message: "model inference", Cause: fmt.Errorf("%w: %w", ErrSessionFailed, err)}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	cands := decodeOutput(m.session.Output.GetData(), m.numClasses, m.numAnchors, m.opts.ConfThreshold)
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	kept := nonMaxSuppression(cands, m.opts.IoUThreshold, m.opts.MaxDet)
	boxes := make([]models.Box, 0, len(kept))
	for _, c := range kept {
		boxes = append(boxes, models.Box{
			XYXY: lb.toOriginal(c.box),
			Conf: c.score,
			Cls:  c.cls,
		})
	}
	timings.NMS = time.Since(nmsStart)
	timings.Total = time.Since(start)

	return models.Result{
		Boxes:     boxes,
		Names:     m.names,
		OrigShape: image.Pt(b.Dx(), b.Dy()),
		Timings:   timings,
	}, nil
}

func logTimings(t *models.ProcessingTimings, boxes int) {
	log.WithFields(log.Fields{
		"boxes":       boxes,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"nms":         t.NMS,
		"total":       t.Total,
	}).Debug("[Model] predict")
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	return nil
}
