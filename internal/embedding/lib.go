package embedding

import (
	"path/filepath"
	"runtime"
)

// onnxRuntimeLibName and onnxRuntimeProvidersLibName are the per-platform
// shared library filenames the local provider extracts and loads.
var onnxRuntimeLibName = func() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}()

// onnxRuntimeProvidersLibName is only present on Linux builds of the
// runtime.
var onnxRuntimeProvidersLibName = func() string {
	if runtime.GOOS == "linux" {
		return "libonnxruntime_providers_shared.so"
	}
	return ""
}()

func platformLibDir() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

func loadONNXRuntimeLib() ([]byte, error) {
	return readAsset(filepath.Join("lib", platformLibDir(), onnxRuntimeLibName))
}

// loadONNXRuntimeProvidersLib returns (nil, nil) on platforms with no
// separate providers library to extract.
func loadONNXRuntimeProvidersLib() ([]byte, error) {
	if onnxRuntimeProvidersLibName == "" {
		return nil, nil
	}
	return readAsset(filepath.Join("lib", platformLibDir(), onnxRuntimeProvidersLibName))
}
