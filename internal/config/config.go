package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"arclimb/internal/fsutil"
)

const (
	// EnvConfigPath names the environment variable holding the config file path.
	EnvConfigPath     = "ARCLIMB_CONFIG"
	defaultConfigPath = "~/.config/arclimb/config.json"
	defaultYAMLPath   = "~/.config/arclimb/config.yaml"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the alignment service.
type Config struct {
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Alignment  Alignment  `json:"alignment" yaml:"alignment"`
	Matcher    Matcher    `json:"matcher" yaml:"matcher"`
	Processing Processing `json:"processing" yaml:"processing"`
	Server     Server     `json:"server" yaml:"server"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format     string `json:"format" yaml:"format" validate:"oneof=text json traditional"`
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // Days to keep log files
}

// Paths configures where the graph database and the images live.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path" validate:"required"`
	ImageRoot    string `json:"image_root" yaml:"image_root"`
}

// Storage selects the SQLite driver: "sqlite" (pure Go) or "sqlite3" (cgo).
type Storage struct {
	Driver string `json:"driver" yaml:"driver" validate:"oneof=sqlite sqlite3"`
}

// Alignment groups the constants of the alignment core.
type Alignment struct {
	Transform Transform `json:"transform" yaml:"transform"`
	Edge      Edge      `json:"edge" yaml:"edge"`
	Query     Query     `json:"query" yaml:"query"`
	Locate    Locate    `json:"locate" yaml:"locate"`
}

// Transform configures homography fitting. Distances are fractions of an
// image diagonal.
type Transform struct {
	MinCorrespondences int     `json:"min_correspondences" yaml:"min_correspondences" validate:"gte=4"`
	RANSACIterations   int     `json:"ransac_iterations" yaml:"ransac_iterations" validate:"gte=1"`
	RANSACThreshold    float64 `json:"ransac_threshold" yaml:"ransac_threshold" validate:"gt=0,lt=1"`
	RoundTripTolerance float64 `json:"round_trip_tolerance" yaml:"round_trip_tolerance" validate:"gt=0,lt=1"`
	Seed               int64   `json:"seed" yaml:"seed"`
	ResidualScale      float64 `json:"residual_scale" yaml:"residual_scale" validate:"gt=0"`
	CoverageShare      float64 `json:"coverage_share" yaml:"coverage_share" validate:"gte=0,lte=1"`
}

// Edge configures the edge confidence model. The weights must sum to 1.
type Edge struct {
	WeightCount        float64 `json:"weight_count" yaml:"weight_count" validate:"gte=0,lte=1"`
	WeightCoverage     float64 `json:"weight_coverage" yaml:"weight_coverage" validate:"gte=0,lte=1"`
	WeightFit          float64 `json:"weight_fit" yaml:"weight_fit" validate:"gte=0,lte=1"`
	CountSaturation    float64 `json:"count_saturation" yaml:"count_saturation" validate:"gt=0"`
	AdmissionThreshold float64 `json:"admission_threshold" yaml:"admission_threshold" validate:"gt=0,lt=1"`
}

// Query configures path search.
type Query struct {
	MaxHops            int     `json:"max_hops" yaml:"max_hops" validate:"gte=1,lte=16"`
	OutOfBoundsPenalty float64 `json:"out_of_bounds_penalty" yaml:"out_of_bounds_penalty" validate:"gt=0,lt=1"`
}

// Locate configures the entry-point search for unseen images.
type Locate struct {
	MinScore float64 `json:"min_score" yaml:"min_score" validate:"gte=0"`
	Workers  int     `json:"workers" yaml:"workers" validate:"gte=1"`
}

// Matcher configures the keypoint matcher and its filters. Kind selects
// plain ORB, SIFT, or guided ORB: a CoarseFeatures ORB pass whose homography
// guides a DenseFeatures rematch within MaxDisplacement of each projection.
type Matcher struct {
	Kind                 string  `json:"kind" yaml:"kind" validate:"oneof=orb sift guided"`
	Ratio                float64 `json:"ratio" yaml:"ratio" validate:"gt=0,lte=1"`
	MaxSide              int     `json:"max_side" yaml:"max_side" validate:"gte=0"`
	Features             int     `json:"features" yaml:"features" validate:"gte=1"`
	CoarseFeatures       int     `json:"coarse_features" yaml:"coarse_features" validate:"gte=1"`
	DenseFeatures        int     `json:"dense_features" yaml:"dense_features" validate:"gte=1"`
	MaxDisplacement      float64 `json:"max_displacement" yaml:"max_displacement" validate:"gt=0,lt=1"`
	GuidedSpread         float64 `json:"guided_spread" yaml:"guided_spread" validate:"gte=0,lt=1"`
	HomographyFilter     bool    `json:"homography_filter" yaml:"homography_filter"`
	HomographyThreshold  float64 `json:"homography_threshold" yaml:"homography_threshold" validate:"gt=0"`
	HomographyMinMatches int     `json:"homography_min_matches" yaml:"homography_min_matches" validate:"gte=4"`
	MinSpread            float64 `json:"min_spread" yaml:"min_spread" validate:"gte=0,lt=1"`
}

// Processing captures execution preferences for construction jobs.
type Processing struct {
	Workers   int `json:"workers" yaml:"workers" validate:"gte=1"`
	QueueSize int `json:"queue_size" yaml:"queue_size" validate:"gte=1"`
}

// Server configures the HTTP and gRPC listeners and the directory watcher.
type Server struct {
	HTTPAddr    string   `json:"http_addr" yaml:"http_addr"`
	GRPCAddr    string   `json:"grpc_addr" yaml:"grpc_addr"`
	WatchPaths  []string `json:"watch_paths" yaml:"watch_paths"`
	AutoConnect bool     `json:"auto_connect" yaml:"auto_connect"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is read first so ARCLIMB_CONFIG can
// be set there.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFile(Path())
}

// Path returns the configuration file path in effect: $ARCLIMB_CONFIG, else
// the default YAML file if it exists, else the default JSON file.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	yamlPath, err := expandUser(defaultYAMLPath)
	if err == nil && fsutil.FirstExisting(yamlPath) != "" {
		return defaultYAMLPath
	}
	return defaultConfigPath
}

// LoadFile reads the file at path over the defaults. A missing file yields
// the defaults. Files ending in .yaml or .yml are decoded as YAML, anything
// else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	default:
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	}

	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	if cfg.Paths.ImageRoot, err = expandUser(cfg.Paths.ImageRoot); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, as YAML or JSON by extension.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return err
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0644)
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	e := c.Alignment.Edge
	if sum := e.WeightCount + e.WeightCoverage + e.WeightFit; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("invalid config: edge weights sum to %.3f, want 1", sum)
	}
	return nil
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "arclimb.db"),
			ImageRoot:    ".",
		},
		Storage: Storage{Driver: "sqlite"},
		Alignment: Alignment{
			Transform: Transform{
				MinCorrespondences: 4,
				RANSACIterations:   2000,
				RANSACThreshold:    0.01,
				RoundTripTolerance: 1e-6,
				Seed:               1,
				ResidualScale:      0.01,
				CoverageShare:      0.25,
			},
			Edge: Edge{
				WeightCount:        0.3,
				WeightCoverage:     0.3,
				WeightFit:          0.4,
				CountSaturation:    40,
				AdmissionThreshold: 0.15,
			},
			Query:  Query{MaxHops: 4, OutOfBoundsPenalty: 0.5},
			Locate: Locate{MinScore: 5, Workers: defaultWorkers},
		},
		Matcher: Matcher{
			Kind:                 "orb",
			Ratio:                0.75,
			MaxSide:              1000,
			Features:             500,
			CoarseFeatures:       1000,
			DenseFeatures:        3000,
			MaxDisplacement:      0.01,
			GuidedSpread:         0.15,
			HomographyFilter:     true,
			HomographyThreshold:  0.2,
			HomographyMinMatches: 10,
			MinSpread:            0,
		},
		Processing: Processing{
			Workers:   defaultWorkers,
			QueueSize: 64,
		},
		Server: Server{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":50051",
			AutoConnect: true,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
