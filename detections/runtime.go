package detections

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ErrRuntimeNotInitialized = errors.New("onnxruntime environment is not initialized")

	runtimeMu sync.Mutex
)

// SharedLibraryName is the onnxruntime library file name for the current OS.
func SharedLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// DefaultSharedLibraryPath looks for the library under dir.
func DefaultSharedLibraryPath(dir string) string {
	return filepath.Join(dir, SharedLibraryName())
}

// InitRuntime loads the onnxruntime shared library and initializes the
// environment. Calling it again once initialized is a no-op.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("onnxruntime library: %w", err)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}

	log.WithField("library", libPath).Info("[Runtime] onnxruntime initialized")
	return nil
}

func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
