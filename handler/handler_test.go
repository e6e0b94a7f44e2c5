package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Tutortoise/object-detection-service/models"
)

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func equals(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

type fakeModel struct {
	results []models.Result
	err     error
	calls   int
	opts    PredictOptions
	inputs  []image.Image
	closed  bool
}

func (m *fakeModel) Predict(imgs []image.Image, opts PredictOptions) ([]models.Result, error) {
	m.calls++
	m.opts = opts
	m.inputs = imgs
	return m.results, m.err
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

type fakeLoader struct {
	ext    string
	model  *fakeModel
	loaded string
	err    error
}

func (l *fakeLoader) Ext() string { return l.ext }

func (l *fakeLoader) Load(path string) (Model, error) {
	l.loaded = path
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	ok(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	ok(t, os.WriteFile(filepath.Join(dir, name), []byte("weights"), 0o644))
}

func initHandler(t *testing.T, model *fakeModel) *Handler {
	t.Helper()
	dir := t.TempDir()
	touch(t, dir, "best.pt")
	h := New(&fakeLoader{ext: ".pt", model: model})
	ok(t, h.Initialize(&Context{SystemProperties: map[string]string{PropModelDir: dir}}))
	return h
}

func TestPreprocessBody(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	img, err := h.Preprocess([]RawRequest{{Body: encodePNG(t, 12, 7)}})
	ok(t, err)

	equals(t, img.Bounds(), image.Rect(0, 0, 12, 7))
	equals(t, img.Channels(), 3)
	equals(t, len(img.Pix), 12*7*3)

	// alpha is dropped, not blended
	equals(t, img.At(5, 3), color.RGBA{R: 5, G: 3, B: 200, A: 0xff})
}

func TestPreprocessMissingPayload(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})

	for name, batch := range map[string][]RawRequest{
		"empty request": {{}},
		"empty body":    {{Body: []byte{}}},
		"empty batch":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.Preprocess(batch)
			if !errors.Is(err, ErrNoImageBytes) {
				t.Fatalf("got %v, want ErrNoImageBytes", err)
			}
		})
	}
}

func TestPreprocessDataFallback(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	payload := encodePNG(t, 9, 4)

	fromBody, err := h.Preprocess([]RawRequest{{Body: payload}})
	ok(t, err)
	fromData, err := h.Preprocess([]RawRequest{{Data: payload}})
	ok(t, err)
	equals(t, fromData, fromBody)

	// empty body falls through to data
	fromEmptyBody, err := h.Preprocess([]RawRequest{{Body: []byte{}, Data: payload}})
	ok(t, err)
	equals(t, fromEmptyBody, fromBody)
}

func TestPreprocessOnlyFirstRequest(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	img, err := h.Preprocess([]RawRequest{
		{Body: encodePNG(t, 3, 3)},
		{Body: []byte("not an image")},
	})
	ok(t, err)
	equals(t, img.Bounds().Dx(), 3)
}

func TestPreprocessMalformed(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	_, err := h.Preprocess([]RawRequest{{Body: []byte("definitely not an image")}})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if errors.Is(err, ErrNoImageBytes) {
		t.Fatal("decode error reported as missing input")
	}
}

func TestPostprocessEmpty(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	out, err := h.Postprocess([]models.Result{{Names: []string{"person"}}})
	ok(t, err)

	data, err := json.Marshal(out[0])
	ok(t, err)
	equals(t, string(data), `{"boxes":[]}`)
}

func TestPostprocessSingleBox(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	out, err := h.Postprocess([]models.Result{{
		Names: []string{"person", "bicycle", "car"},
		Boxes: []models.Box{{XYXY: [4]float32{10, 20, 30, 40}, Conf: 0.87, Cls: 2}},
	}})
	ok(t, err)

	data, err := json.Marshal(out)
	ok(t, err)
	equals(t, string(data), `[{"boxes":[{"xyxy":[10,20,30,40],"conf":0.87,"cls":2,"name":"car"}]}]`)
}

func TestPostprocessKeepsOrder(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	out, err := h.Postprocess([]models.Result{{
		Names: []string{"a", "b"},
		Boxes: []models.Box{
			{Conf: 0.1, Cls: 1},
			{Conf: 0.9, Cls: 0},
			{Conf: 0.5, Cls: 1},
		},
	}})
	ok(t, err)

	var got []float32
	for _, d := range out[0].Boxes {
		got = append(got, d.Conf)
	}
	equals(t, got, []float32{0.1, 0.9, 0.5})
}

func TestPostprocessUnknownClass(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	_, err := h.Postprocess([]models.Result{{
		Names: []string{"a"},
		Boxes: []models.Box{{Cls: 0}, {Cls: 3}},
	}})
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("got %v, want ErrUnknownClass", err)
	}
}

func TestInitializeDefaultWeights(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.pt")
	touch(t, dir, "best.pt")

	loader := &fakeLoader{ext: ".pt", model: &fakeModel{}}
	h := New(loader)
	manifest := &Manifest{Model: ManifestModel{ModelName: "yolo"}}
	ok(t, h.Initialize(&Context{
		SystemProperties: map[string]string{PropModelDir: dir},
		Manifest:         manifest,
	}))

	equals(t, loader.loaded, filepath.Join(dir, "best.pt"))
	equals(t, h.Ready(), true)
	equals(t, h.Manifest(), manifest)
}

func TestInitializeFallbackWeights(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "yolov8.pt")

	loader := &fakeLoader{ext: ".pt", model: &fakeModel{}}
	h := New(loader)
	ok(t, h.Initialize(&Context{SystemProperties: map[string]string{PropModelDir: dir}}))
	equals(t, loader.loaded, filepath.Join(dir, "yolov8.pt"))
	equals(t, h.Weights(), filepath.Join(dir, "yolov8.pt"))
}

func TestInitializeEmptyDir(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt", model: &fakeModel{}})
	err := h.Initialize(&Context{SystemProperties: map[string]string{PropModelDir: t.TempDir()}})
	if !errors.Is(err, ErrWeightsNotFound) {
		t.Fatalf("got %v, want ErrWeightsNotFound", err)
	}
	equals(t, h.Ready(), false)
}

func TestInitializeLoadError(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "best.pt")
	loadErr := errors.New("corrupt weights")

	h := New(&fakeLoader{ext: ".pt", err: loadErr})
	err := h.Initialize(&Context{SystemProperties: map[string]string{PropModelDir: dir}})
	if !errors.Is(err, loadErr) {
		t.Fatalf("got %v, want %v", err, loadErr)
	}
	equals(t, h.Ready(), false)
}

func TestInferenceSuppressesOutput(t *testing.T) {
	model := &fakeModel{results: []models.Result{{}}}
	h := initHandler(t, model)

	img := models.NewRGBImage(image.Rect(0, 0, 2, 2))
	results, err := h.Inference(img)
	ok(t, err)

	equals(t, len(results), 1)
	equals(t, model.opts, PredictOptions{Verbose: false})
	equals(t, len(model.inputs), 1)
}

func TestInferenceBeforeInitialize(t *testing.T) {
	h := New(&fakeLoader{ext: ".pt"})
	_, err := h.Inference(models.NewRGBImage(image.Rect(0, 0, 1, 1)))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestHandle(t *testing.T) {
	model := &fakeModel{results: []models.Result{{
		Names: []string{"person"},
		Boxes: []models.Box{{XYXY: [4]float32{1, 2, 3, 4}, Conf: 0.5, Cls: 0}},
	}}}
	h := initHandler(t, model)

	timings := &models.ProcessingTimings{RequestID: "req-1"}
	out, err := h.Handle([]RawRequest{{Data: encodePNG(t, 4, 4)}}, timings)
	ok(t, err)

	equals(t, out, []Response{{Boxes: []Detection{{XYXY: [4]float32{1, 2, 3, 4}, Conf: 0.5, Cls: 0, Name: "person"}}}})
	equals(t, timings.RequestID, "req-1")
}

func TestHandlePhaseErrors(t *testing.T) {
	inferErr := errors.New("session run failed")
	h := initHandler(t, &fakeModel{err: inferErr})

	_, err := h.Handle([]RawRequest{{}}, nil)
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Phase != PhasePreprocess {
		t.Fatalf("got %v, want preprocess PhaseError", err)
	}

	_, err = h.Handle([]RawRequest{{Body: encodePNG(t, 2, 2)}}, nil)
	if !errors.As(err, &pe) || pe.Phase != PhaseInference || !errors.Is(err, inferErr) {
		t.Fatalf("got %v, want inference PhaseError", err)
	}
}

func TestClose(t *testing.T) {
	model := &fakeModel{}
	h := initHandler(t, model)
	ok(t, h.Close())
	equals(t, model.closed, true)
	equals(t, h.Ready(), true)
}
