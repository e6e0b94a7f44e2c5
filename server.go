package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/handler"
	"github.com/Tutortoise/object-detection-service/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type AppState struct {
	ModelName       string
	Manifest        *handler.Manifest
	Pool            *WorkerPool
	MaxRequestBytes int64
	Debug           bool

	metrics *serverMetrics
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ModelSummary struct {
	ModelName string `json:"modelName"`
	ModelURL  string `json:"modelUrl"`
}

type ModelDescription struct {
	ModelName    string            `json:"modelName"`
	ModelVersion string            `json:"modelVersion,omitempty"`
	Handler      string            `json:"handler,omitempty"`
	Weights      string            `json:"weights"`
	Ready        bool              `json:"ready"`
	Manifest     *handler.Manifest `json:"manifest,omitempty"`
	Workers      PoolStats         `json:"workers"`
	CPUFeatures  []string          `json:"cpuFeatures"`
	RecentErrors []string          `json:"recentErrors,omitempty"`
}

// NewRouter registers the inference and management routes. Metrics go to reg.
func NewRouter(s *AppState, reg *prometheus.Registry) *mux.Router {
	s.metrics = newServerMetrics(reg, s.Pool)

	r := mux.NewRouter()
	r.HandleFunc("/predictions/{model}", s.handlePredict).Methods("POST")
	r.HandleFunc("/ping", s.handlePing).Methods("GET")
	r.HandleFunc("/models", s.handleListModels).Methods("GET")
	r.HandleFunc("/models/{model}", s.handleDescribeModel).Methods("GET")
	s.addMonitoringRoutes(r, reg)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router, reg *prometheus.Registry) {
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	logger := log.WithFields(log.Fields{"request_id": requestID, "model": s.ModelName})

	if mux.Vars(r)["model"] != s.ModelName {
		s.fail(w, CodeModelNotFound, MsgModelNotFound, mux.Vars(r)["model"], http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBytes)
	batch, err := readRawRequests(r)
	if err != nil {
		s.fail(w, CodeInvalidRequest, err.Error(), "", http.StatusBadRequest)
		return
	}

	worker, err := s.Pool.Acquire(r.Context())
	if err != nil {
		s.fail(w, CodeSessionError, err.Error(), "", http.StatusServiceUnavailable)
		return
	}

	timings := &models.ProcessingTimings{RequestID: requestID}
	out, err := worker.Handle(batch, timings)
	if err != nil {
		var pe *handler.PhaseError
		if errors.As(err, &pe) && pe.Phase == handler.PhaseInference && errors.Is(err, detections.ErrSessionFailed) {
			s.Pool.Discard(worker)
		} else {
			s.Pool.Release(worker)
		}
		logger.WithError(err).Warn("[Server] prediction failed")
		s.failPrediction(w, err)
		return
	}
	s.Pool.Release(worker)

	if len(out) == 0 {
		s.fail(w, CodeProcessingError, MsgProcessingFail, "no result", http.StatusInternalServerError)
		return
	}

	s.metrics.observe(timings, len(out[0].Boxes))
	s.metrics.requests.WithLabelValues(s.ModelName, "200").Inc()
	if s.Debug {
		logTimings(logger, timings)
	}

	respondJSON(w, out[0], http.StatusOK)
}

func (s *AppState) failPrediction(w http.ResponseWriter, err error) {
	var pe *handler.PhaseError
	if !errors.As(err, &pe) {
		s.fail(w, CodeProcessingError, MsgProcessingFail, err.Error(), http.StatusInternalServerError)
		return
	}

	switch {
	case errors.Is(err, handler.ErrNoImageBytes):
		s.fail(w, CodeInvalidRequest, handler.ErrNoImageBytes.Error(), "", http.StatusBadRequest)
	case pe.Phase == handler.PhasePreprocess:
		s.fail(w, CodeInvalidImage, MsgInvalidImage, pe.Cause.Error(), http.StatusBadRequest)
	default:
		s.fail(w, CodeProcessingError, MsgProcessingFail, err.Error(), http.StatusInternalServerError)
	}
}

func (s *AppState) handlePing(w http.ResponseWriter, _ *http.Request) {
	if !s.Pool.Ready() {
		respondJSON(w, StatusResponse{Status: MsgUnhealthy}, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, StatusResponse{Status: MsgHealthy}, http.StatusOK)
}

func (s *AppState) handleListModels(w http.ResponseWriter, _ *http.Request) {
	url := s.ModelName
	if s.Manifest != nil && s.Manifest.Model.SerializedFile != "" {
		url = s.Manifest.Model.SerializedFile
	}
	respondJSON(w, map[string][]ModelSummary{
		"models": {{ModelName: s.ModelName, ModelURL: url}},
	}, http.StatusOK)
}

func (s *AppState) handleDescribeModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["model"]
	if name != s.ModelName {
		s.fail(w, CodeModelNotFound, MsgModelNotFound, name, http.StatusNotFound)
		return
	}

	desc := ModelDescription{
		ModelName:   s.ModelName,
		Weights:     s.Pool.Weights(),
		Ready:       s.Pool.Ready(),
		Manifest:    s.Manifest,
		Workers:     s.Pool.GetMetrics(),
		CPUFeatures: detections.CPUFeatures(),
	}
	for _, err := range s.Pool.LastErrors() {
		desc.RecentErrors = append(desc.RecentErrors, err.Error())
	}
	if s.Manifest != nil {
		desc.ModelVersion = s.Manifest.Model.ModelVersion
		desc.Handler = s.Manifest.Model.Handler
	}
	respondJSON(w, desc, http.StatusOK)
}

// readRawRequests maps the HTTP request onto the handler's batch shape.
func readRawRequests(r *http.Request) ([]handler.RawRequest, error) {
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "application/json":
		return handleJSONRequest(r)
	case strings.HasPrefix(mediaType, "multipart/"):
		return handleMultipartRequest(r, params["boundary"])
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]handler.RawRequest, error) {
	var req struct {
		Body  string `json:"body"`
		Data  string `json:"data"`
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	var raw handler.RawRequest
	var err error
	if req.Body == "" {
		req.Body = req.Image
	}
	if raw.Body, err = base64.StdEncoding.DecodeString(req.Body); err != nil {
		return nil, fmt.Errorf("body is not base64: %w", err)
	}
	if raw.Data, err = base64.StdEncoding.DecodeString(req.Data); err != nil {
		return nil, fmt.Errorf("data is not base64: %w", err)
	}
	return []handler.RawRequest{raw}, nil
}

// handleMultipartRequest reads the body, data and file parts.
func handleMultipartRequest(r *http.Request, boundary string) ([]handler.RawRequest, error) {
	if boundary == "" {
		return nil, fmt.Errorf("multipart request without boundary")
	}

	var raw handler.RawRequest
	reader := multipart.NewReader(r.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("read part %q: %w", part.FormName(), err)
		}

		switch part.FormName() {
		case "body":
			raw.Body = data
		case "data", "file":
			if len(raw.Data) == 0 {
				raw.Data = data
			}
		}
	}
	return []handler.RawRequest{raw}, nil
}

func handleRawRequest(r *http.Request) ([]handler.RawRequest, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return []handler.RawRequest{{Body: data}}, nil
}

func logTimings(logger *log.Entry, t *models.ProcessingTimings) {
	logger.WithFields(log.Fields{
		"decode":      t.ImageDecode,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"nms":         t.NMS,
		"total":       t.Total,
	}).Debug("[Server] processing times")
}

func (s *AppState) fail(w http.ResponseWriter, code, message, details string, status int) {
	if s.metrics != nil {
		s.metrics.requests.WithLabelValues(s.ModelName, fmt.Sprint(status)).Inc()
	}
	respondJSON(w, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	}, status)
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
