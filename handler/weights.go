package handler

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultWeightsStem is the base name tried first, before any extension.
const DefaultWeightsStem = "best"

// ResolveWeights returns <modelDir>/best<ext> when it exists, otherwise the
// first regular file in modelDir (lexicographic order) ending in ext.
func ResolveWeights(modelDir, ext string) (string, error) {
	if modelDir == "" {
		return "", fmt.Errorf("%s system property is empty: %w", PropModelDir, ErrWeightsNotFound)
	}

	def := filepath.Join(modelDir, DefaultWeightsStem+ext)
	info, err := os.Stat(def)
	if err == nil && !info.IsDir() {
		return def, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", def, err)
	}

	// os.ReadDir sorts by filename.
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("list model dir %s: %w", modelDir, errors.Join(ErrWeightsNotFound, err))
		}
		return "", fmt.Errorf("list model dir %s: %w", modelDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		return filepath.Join(modelDir, e.Name()), nil
	}

	return "", fmt.Errorf("%s: no %s file: %w", modelDir, ext, ErrWeightsNotFound)
}
