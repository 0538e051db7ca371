// Package embedding provides text embedding generation using all-MiniLM-L6-v2.
package embedding

import (
	"fmt"
	"os"
	"path/filepath"
)

// ModelAssetsDir is where the local provider looks for its bundled model,
// tokenizer, and ONNX runtime libraries. The teacher ships these via
// go:embed; this build loads them from disk instead so a missing asset is
// a runtime error for the local provider alone, not a compile failure for
// every caller of this package. Override with ENGRAM_ONNX_ASSETS_DIR for
// deployments that stage assets outside the working directory.
var ModelAssetsDir = envOr("ENGRAM_ONNX_ASSETS_DIR", "assets")

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func readAsset(rel string) ([]byte, error) {
	path := filepath.Join(ModelAssetsDir, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read local provider asset %s (set ENGRAM_ONNX_ASSETS_DIR if it lives elsewhere): %w", path, err)
	}
	return data, nil
}

func loadModelData() ([]byte, error)     { return readAsset("model.onnx") }
func loadTokenizerData() ([]byte, error) { return readAsset("tokenizer.json") }
