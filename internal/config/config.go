package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Canvas   CanvasConfig   `yaml:"canvas"`
	Game     GameConfig     `yaml:"game"`
	Transfer TransferConfig `yaml:"transfer"`
	Persist  PersistConfig  `yaml:"persist"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	MaxConnections int      `yaml:"max_connections"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CanvasConfig struct {
	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	PaletteSize int `yaml:"palette_size"`
}

type GameConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	ActivityWindow time.Duration `yaml:"activity_window"`
}

type TransferConfig struct {
	ChunkSize  int           `yaml:"chunk_size"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

type PersistConfig struct {
	Dir          string        `yaml:"dir"`
	SaveInterval time.Duration `yaml:"save_interval"`
	MaxBackups   int           `yaml:"max_backups"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Canvas: CanvasConfig{
			Width:       800,
			Height:      450,
			PaletteSize: 32,
		},
		Game: GameConfig{
			Cooldown:       time.Second,
			ActivityWindow: 5 * time.Minute,
		},
		Transfer: TransferConfig{
			ChunkSize:  16384,
			ChunkDelay: 50 * time.Millisecond,
		},
		Persist: PersistConfig{
			SaveInterval: 5 * time.Minute,
			MaxBackups:   5,
		},
	}
}

// Load reads the YAML config at path over the built-in defaults. A missing
// file is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		return fmt.Errorf("canvas dimensions must be positive, got %dx%d", c.Canvas.Width, c.Canvas.Height)
	}
	if c.Canvas.PaletteSize <= 0 || c.Canvas.PaletteSize > 256 {
		return fmt.Errorf("palette_size must be in [1, 256], got %d", c.Canvas.PaletteSize)
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Game.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Game.Cooldown)
	}
	return nil
}
