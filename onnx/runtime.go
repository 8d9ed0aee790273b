package onnx

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/krau/facedb/config"
)

var pathOnce sync.Once
var libPath string

func LibPath() string {
	pathOnce.Do(func() {
		libPath = resolveLibPath(config.C().Libonnx, runtime.GOOS)
		if libPath == "" {
			slog.Error("ONNX Runtime library path could not be determined for this OS")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		}
	})
	return libPath
}

var candidates = map[string][]string{
	"linux": {
		filepath.Join("onnxlibs", "libonnxruntime.so"),
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	},
	"darwin": {
		filepath.Join("onnxlibs", "libonnxruntime.dylib"),
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	},
	"windows": {
		filepath.Join("onnxlibs", "onnxruntime.dll"),
	},
}

// resolveLibPath prefers the configured path, then ONNXRUNTIME_LIB, then the
// first existing well-known location for goos. When nothing exists the first
// candidate is returned so the loader error names a useful path.
func resolveLibPath(configured, goos string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("ONNXRUNTIME_LIB"); env != "" {
		return env
	}
	paths := candidates[goos]
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) > 0 {
		return paths[0]
	}
	return ""
}
