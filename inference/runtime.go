package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnvVar overrides the location of the onnxruntime shared library
const LibraryEnvVar = "ONNXRUNTIME_LIB"

// libraryName is the onnxruntime shared library file name for this OS
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.1.20.0.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so.1.20.0"
	}
}

// LibraryPath finds the onnxruntime shared library.
// Search order is the configured path, then $ONNXRUNTIME_LIB, then lib/<platform library name>.
// A configured path that doesn't exist is an error, rather than falling through.
func LibraryPath(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("onnxruntime library %v: %w", configured, err)
		}
		return filepath.Abs(configured)
	}
	tried := []string{}
	candidates := []string{}
	if env := os.Getenv(LibraryEnvVar); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, filepath.Join("lib", libraryName()))
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return filepath.Abs(c)
		}
		tried = append(tried, c)
	}
	return "", fmt.Errorf("onnxruntime library not found (tried %v). Set libraryPath in the config or $%v", tried, LibraryEnvVar)
}

// Initialize loads the onnxruntime library. It must be called once, before any session is created.
func Initialize(libPath string) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Shutdown releases the onnxruntime environment
func Shutdown() error {
	return ort.DestroyEnvironment()
}
