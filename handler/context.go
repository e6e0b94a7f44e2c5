package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// System property keys filled in by the host.
const (
	PropModelDir      = "model_dir"
	PropGPUID         = "gpu_id"
	PropBatchSize     = "batch_size"
	PropServerName    = "server_name"
	PropServerVersion = "server_version"
)

// ManifestPath is where model archives keep their manifest, relative to the
// model directory.
const ManifestPath = "MAR-INF/MANIFEST.json"

// Context is what the host hands to Initialize.
type Context struct {
	SystemProperties map[string]string
	Manifest         *Manifest
}

type Manifest struct {
	CreatedOn       string        `json:"createdOn,omitempty"`
	Runtime         string        `json:"runtime,omitempty"`
	ArchiverVersion string        `json:"archiverVersion,omitempty"`
	Model           ManifestModel `json:"model"`
}

type ManifestModel struct {
	ModelName      string `json:"modelName"`
	ModelVersion   string `json:"modelVersion,omitempty"`
	SerializedFile string `json:"serializedFile,omitempty"`
	Handler        string `json:"handler,omitempty"`
}

// LoadManifest reads the archive manifest from modelDir. A directory without
// one yields a manifest named after the directory.
func LoadManifest(modelDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, ManifestPath))
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{
			Model: ManifestModel{ModelName: filepath.Base(modelDir)},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Model.ModelName == "" {
		m.Model.ModelName = filepath.Base(modelDir)
	}
	return &m, nil
}

// RawRequest is one entry of an incoming batch. Body wins over Data.
type RawRequest struct {
	Body []byte
	Data []byte
}

// Payload returns the image bytes, if any.
func (r RawRequest) Payload() ([]byte, bool) {
	if len(r.Body) > 0 {
		return r.Body, true
	}
	if len(r.Data) > 0 {
		return r.Data, true
	}
	return nil, false
}
