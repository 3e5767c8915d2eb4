package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/23skdu/plantvit/internal/logger"
)

// Settings configures the inference service around the model: where the
// weights live, how many predictions to return and where to export telemetry.
type Settings struct {
	BaseDir       string
	ModelPath     string
	MetadataPath  string
	TopK          int
	LogLevel      string
	LogFormat     string
	MetricsAddr   string
	FlightAddr    string
	MaxUploadSize int64
	Workers       int
}

const (
	DefaultModelFile     = "models/mobileplant_vit_full_checkpoint.pth"
	DefaultMetadataFile  = "models/deployment_metadata.json"
	DefaultTopK          = 5
	DefaultMaxUploadSize = 10 << 20
)

func DefaultSettings() Settings {
	return Settings{
		BaseDir:       ".",
		ModelPath:     DefaultModelFile,
		MetadataPath:  DefaultMetadataFile,
		TopK:          DefaultTopK,
		LogLevel:      "info",
		LogFormat:     "console",
		MetricsAddr:   "",
		FlightAddr:    "",
		MaxUploadSize: DefaultMaxUploadSize,
		Workers:       runtime.NumCPU(),
	}
}

// Var returns the trimmed value of an environment variable, with any
// surrounding quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func envString(key, def string) string {
	if s := Var(key); s != "" {
		return s
	}
	return def
}

func envInt(key string, def int64) int64 {
	s := Var(key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		logger.Log.Warn("invalid environment variable, using default", "variable", key, "value", s, "default", def)
		return def
	}
	return n
}

// LoadSettings reads PLANTVIT_* environment variables over DefaultSettings.
// Relative model and metadata paths are resolved against PLANTVIT_BASE_DIR.
func LoadSettings() Settings {
	s := DefaultSettings()
	s.BaseDir = envString("PLANTVIT_BASE_DIR", s.BaseDir)
	s.ModelPath = envString("PLANTVIT_MODEL_PATH", s.ModelPath)
	s.MetadataPath = envString("PLANTVIT_METADATA_PATH", s.MetadataPath)
	s.TopK = int(envInt("PLANTVIT_TOP_K", int64(s.TopK)))
	s.LogLevel = envString("PLANTVIT_LOG_LEVEL", s.LogLevel)
	s.LogFormat = envString("PLANTVIT_LOG_FORMAT", s.LogFormat)
	s.MetricsAddr = envString("PLANTVIT_METRICS_ADDR", s.MetricsAddr)
	s.FlightAddr = envString("PLANTVIT_FLIGHT_ADDR", s.FlightAddr)
	s.MaxUploadSize = envInt("PLANTVIT_MAX_UPLOAD_SIZE", s.MaxUploadSize)
	s.Workers = int(envInt("PLANTVIT_WORKERS", int64(s.Workers)))
	return s
}

// ResolvedModelPath joins ModelPath onto BaseDir unless it is absolute.
func (s Settings) ResolvedModelPath() string {
	return s.resolve(s.ModelPath)
}

func (s Settings) ResolvedMetadataPath() string {
	return s.resolve(s.MetadataPath)
}

func (s Settings) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.BaseDir, p)
}

func (s Settings) Validate() error {
	if s.ModelPath == "" {
		return fmt.Errorf("model path must not be empty")
	}
	if s.TopK <= 0 {
		return fmt.Errorf("invalid top_k: %d (must be positive)", s.TopK)
	}
	if s.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", s.MaxUploadSize)
	}
	if s.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", s.Workers)
	}
	switch strings.ToLower(s.LogFormat) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("invalid log format: %q (must be json or console)", s.LogFormat)
	}
	return nil
}

// AsMap exposes the effective settings for diagnostics output.
func (s Settings) AsMap() map[string]string {
	return map[string]string{
		"PLANTVIT_BASE_DIR":        s.BaseDir,
		"PLANTVIT_MODEL_PATH":      s.ModelPath,
		"PLANTVIT_METADATA_PATH":   s.MetadataPath,
		"PLANTVIT_TOP_K":           strconv.Itoa(s.TopK),
		"PLANTVIT_LOG_LEVEL":       s.LogLevel,
		"PLANTVIT_LOG_FORMAT":      s.LogFormat,
		"PLANTVIT_METRICS_ADDR":    s.MetricsAddr,
		"PLANTVIT_FLIGHT_ADDR":     s.FlightAddr,
		"PLANTVIT_MAX_UPLOAD_SIZE": strconv.FormatInt(s.MaxUploadSize, 10),
		"PLANTVIT_WORKERS":         strconv.Itoa(s.Workers),
	}
}
