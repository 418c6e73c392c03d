// Package config loads handtrack settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/ayusman/handtrack/internal/detector"
	"github.com/ayusman/handtrack/internal/engine"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete application configuration.
type Config struct {
	Model    ModelConfig    `toml:"model"`
	Source   SourceConfig   `toml:"source"`
	Detector DetectorConfig `toml:"detector"`
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Debug    bool           `toml:"debug"`
}

// ModelConfig selects the model file and inference runtime.
type ModelConfig struct {
	Path          string `toml:"path"`
	Backend       string `toml:"backend"`
	Threads       int    `toml:"threads"`
	SharedLibrary string `toml:"shared_library"`
	ChannelsFirst bool   `toml:"channels_first"`
}

// SourceConfig describes where frames come from.
type SourceConfig struct {
	// Name is a camera index ("0") or a video file path.
	Name            string  `toml:"name"`
	IdleFPS         int     `toml:"idle_fps"`
	ActiveFPS       int     `toml:"active_fps"`
	Mirror          bool    `toml:"mirror"`
	MotionGate      bool    `toml:"motion_gate"`
	MotionThreshold float64 `toml:"motion_threshold"`
}

// DetectorConfig holds the decoding parameters.
type DetectorConfig struct {
	MaxHands         int     `toml:"max_hands"`
	MinConfidence    float32 `toml:"min_confidence"`
	ScoreClip        float32 `toml:"score_clip"`
	CoordinateScale  float32 `toml:"coordinate_scale"`
	IoUThreshold     float32 `toml:"iou_threshold"`
	LegacyAnchorAxes bool    `toml:"legacy_anchor_axes"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	StaticDir string `toml:"static_dir"`
}

// StoreConfig holds the database location. An empty path disables recording.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Default returns the built-in configuration.
func Default() Config {
	dbPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".handtrack", "handtrack.db")
	}

	return Config{
		Model: ModelConfig{
			Path: "models/palm_detection.tflite",
		},
		Source: SourceConfig{
			Name:            "0",
			IdleFPS:         5,
			ActiveFPS:       15,
			Mirror:          true,
			MotionThreshold: 1.0,
		},
		Detector: DetectorConfig{
			MaxHands:        1,
			MinConfidence:   0.7,
			ScoreClip:       100,
			CoordinateScale: 256,
			IoUThreshold:    0.3,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Path: dbPath,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Model.Path = getEnv("HANDTRACK_MODEL", c.Model.Path)
	c.Model.SharedLibrary = getEnv("HANDTRACK_ORT_LIB", c.Model.SharedLibrary)
	c.Source.Name = getEnv("HANDTRACK_SOURCE", c.Source.Name)
	c.Server.Addr = getEnv("HANDTRACK_ADDR", c.Server.Addr)
	c.Store.Path = getEnv("HANDTRACK_DB", c.Store.Path)

	if v := os.Getenv("HANDTRACK_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse HANDTRACK_DEBUG: %w", err)
		}
		c.Debug = debug
	}

	return nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch {
	case c.Model.Path == "":
		return fmt.Errorf("model path is empty: %w", ErrInvalid)
	case c.Model.Backend != "" && c.Model.Backend != "tflite" && c.Model.Backend != "onnx":
		return fmt.Errorf("model backend %q: %w", c.Model.Backend, ErrInvalid)
	case c.Model.Threads < 0:
		return fmt.Errorf("model threads %d: %w", c.Model.Threads, ErrInvalid)
	case c.Source.Name == "":
		return fmt.Errorf("source is empty: %w", ErrInvalid)
	case c.Source.IdleFPS <= 0 || c.Source.ActiveFPS <= 0:
		return fmt.Errorf("source fps must be positive: %w", ErrInvalid)
	case c.Detector.MaxHands < 1:
		return fmt.Errorf("max hands %d: %w", c.Detector.MaxHands, ErrInvalid)
	case c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1:
		return fmt.Errorf("min confidence %v not in [0, 1]: %w", c.Detector.MinConfidence, ErrInvalid)
	case c.Detector.ScoreClip <= 0:
		return fmt.Errorf("score clip %v: %w", c.Detector.ScoreClip, ErrInvalid)
	case c.Detector.CoordinateScale <= 0:
		return fmt.Errorf("coordinate scale %v: %w", c.Detector.CoordinateScale, ErrInvalid)
	case c.Detector.IoUThreshold < 0 || c.Detector.IoUThreshold > 1:
		return fmt.Errorf("iou threshold %v not in [0, 1]: %w", c.Detector.IoUThreshold, ErrInvalid)
	case c.Server.Addr == "":
		return fmt.Errorf("server address is empty: %w", ErrInvalid)
	}
	return nil
}

// EngineConfig returns the inference runtime options for the model.
func (c Config) EngineConfig() engine.Config {
	ecfg := engine.DefaultConfig()
	ecfg.Backend = engine.Backend(c.Model.Backend)
	ecfg.NumThreads = c.Model.Threads
	ecfg.SharedLibraryPath = c.Model.SharedLibrary
	ecfg.ChannelsFirst = c.Model.ChannelsFirst
	return ecfg
}

// PalmConfig returns the decoding options for the palm detector.
func (c Config) PalmConfig() detector.Config {
	return detector.Config{
		MaxHands:         c.Detector.MaxHands,
		MinConfidence:    c.Detector.MinConfidence,
		ScoreClip:        c.Detector.ScoreClip,
		CoordinateScale:  c.Detector.CoordinateScale,
		IoUThreshold:     c.Detector.IoUThreshold,
		LegacyAnchorAxes: c.Detector.LegacyAnchorAxes,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
