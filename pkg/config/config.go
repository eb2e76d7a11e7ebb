package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration parsed from environment
// variables, optionally overlaid by a YAML file.
type Config struct {
	Host string `env:"HOST" envDefault:"127.0.0.1" yaml:"host"`
	Port int    `env:"PORT" envDefault:"8000" yaml:"port"`

	// ComfyUIURL overrides the supervisor entirely: when set, every job
	// is submitted to this external runtime instead of a managed
	// container.
	ComfyUIURL string `env:"COMFYUI_URL" yaml:"comfyui_url"`

	DataDir   string `env:"DATA_DIR" envDefault:"/var/lib/renderq" yaml:"data_dir"`
	OutputDir string `env:"OUTPUT_DIR" yaml:"output_dir"`
	InputDir  string `env:"INPUT_DIR" yaml:"input_dir"`
	QueuePath string `env:"QUEUE_PATH" yaml:"queue_path"`

	MaxQueueSize     int           `env:"MAX_QUEUE_SIZE" envDefault:"1000" yaml:"max_queue_size"`
	MaxWSConnections int           `env:"MAX_WS_CONNECTIONS" envDefault:"100" yaml:"max_ws_connections"`
	MaxConcurrent    int           `env:"MAX_CONCURRENT_TASKS" envDefault:"2" yaml:"max_concurrent_tasks"`
	TaskTimeout      time.Duration `env:"TASK_TIMEOUT" envDefault:"300s" yaml:"task_timeout"`

	MinWorkers     int `env:"MIN_WORKERS" envDefault:"1" yaml:"min_workers"`
	MaxWorkers     int `env:"MAX_WORKERS" envDefault:"4" yaml:"max_workers"`
	ScaleThreshold int `env:"SCALE_THRESHOLD" envDefault:"5" yaml:"scale_threshold"`

	// APIKey enables the opaque key check on /api routes when non-empty.
	APIKey string `env:"API_KEY" yaml:"api_key"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false" yaml:"log_json"`

	// Executor admission limits (percent utilization above which new
	// jobs are refused).
	CPUMaxPercent  float64 `env:"CPU_MAX_PERCENT" envDefault:"90" yaml:"cpu_max_percent"`
	MemMaxPercent  float64 `env:"MEM_MAX_PERCENT" envDefault:"85" yaml:"mem_max_percent"`
	DiskMaxPercent float64 `env:"DISK_MAX_PERCENT" envDefault:"95" yaml:"disk_max_percent"`
}

// Load parses environment variables into a Config and applies derived
// defaults for the data-dir paths.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.applyDerived()
	return cfg, nil
}

// LoadFile layers configuration: built-in defaults, then the YAML file,
// then environment variables that are explicitly set. A default never
// overrides a file value; only a variable present in the environment
// wins over the file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	// Defaults only: parsing against an empty environment applies the
	// envDefault tags without consulting the process environment.
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return Config{}, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := overlayEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDerived()
	return cfg, nil
}

// overlayEnv copies into cfg the fields whose environment variable is
// actually set, leaving everything else alone.
func overlayEnv(cfg *Config) error {
	var fromEnv Config
	if err := env.Parse(&fromEnv); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	dst := reflect.ValueOf(cfg).Elem()
	src := reflect.ValueOf(fromEnv)
	for i := 0; i < dst.NumField(); i++ {
		key, _, _ := strings.Cut(dst.Type().Field(i).Tag.Get("env"), ",")
		if key == "" {
			continue
		}
		if _, ok := os.LookupEnv(key); ok {
			dst.Field(i).Set(src.Field(i))
		}
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(c.DataDir, "output")
	}
	if c.InputDir == "" {
		c.InputDir = filepath.Join(c.DataDir, "input")
	}
	if c.QueuePath == "" {
		c.QueuePath = filepath.Join(c.DataDir, "queue.db")
	}
}

// Validate rejects configurations that would violate component
// invariants at startup.
func (c Config) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS (%d) must be >= MIN_WORKERS (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be positive, got %d", c.MaxConcurrent)
	}
	if c.ScaleThreshold < 1 {
		return fmt.Errorf("SCALE_THRESHOLD must be positive, got %d", c.ScaleThreshold)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive, got %v", c.TaskTimeout)
	}
	return nil
}

// ListenAddr returns the host:port the API server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
