package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/rarity"
)

// EnvPrefix prefixes every environment override, e.g. BONDLINE_SERVER_PORT.
const EnvPrefix = "BONDLINE"

// Config holds all bondline configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Rarity   RarityConfig   `yaml:"rarity"`
	// Capacity is the default slot count per tier name, overridable per agent
	// at runtime.
	Capacity map[string]int `yaml:"capacity"`
	Decay    DecayConfig    `yaml:"decay"`
	Queue    QueueConfig    `yaml:"queue"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Bind            string        `yaml:"bind" validate:"required"`
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true" validate:"gt=0"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite memory"`
	Path   string `yaml:"path"` // empty: store.DefaultDBPath()
}

type RarityConfig struct {
	Weights              rarity.Weights     `yaml:"weights" ignored:"true"`
	MetricScale          float64            `yaml:"metric_scale" split_words:"true"`
	SharedExperienceHalf float64            `yaml:"shared_experience_half" split_words:"true"`
	AgeBonusRate         float64            `yaml:"age_bonus_rate" split_words:"true"`
	AgeBonusCap          float64            `yaml:"age_bonus_cap" split_words:"true"`
	TierOffsets          map[string]float64 `yaml:"tier_offsets" split_words:"true"`
	Thresholds           map[string]float64 `yaml:"thresholds"`
}

// DecayConfig drives the affinity decay sweeper.
type DecayConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// Grace is how long a bond may idle before affinity starts to decay.
	Grace    time.Duration `yaml:"grace" validate:"gte=0"`
	HalfLife time.Duration `yaml:"half_life" split_words:"true" validate:"gt=0"`
	// LowWater is the affinity below which an active bond becomes at risk.
	LowWater float64 `yaml:"low_water" split_words:"true" validate:"gte=0,lte=100"`
	// Expiry is the idle time after which an at-risk bond is released.
	Expiry           time.Duration `yaml:"expiry" validate:"gt=0"`
	InteractionBoost float64       `yaml:"interaction_boost" split_words:"true" validate:"gte=0,lte=100"`
	Workers          int           `yaml:"workers" validate:"gte=1"`
}

type QueueConfig struct {
	// AcceptanceWindow is how long a promoted queue head has to accept a
	// freed slot. Zero promotes immediately.
	AcceptanceWindow time.Duration `yaml:"acceptance_window" split_words:"true" validate:"gte=0"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	rc := rarity.DefaultConfig()
	offsets := make(map[string]float64, len(rc.TierOffsets))
	for t, v := range rc.TierOffsets {
		offsets[t.String()] = v
	}
	thresholds := make(map[string]float64, len(rc.Thresholds))
	for _, th := range rc.Thresholds {
		thresholds[string(th.Label)] = th.Min
	}

	return Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            37780,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Rarity: RarityConfig{
			Weights:              rc.Weights,
			MetricScale:          rc.MetricScale,
			SharedExperienceHalf: rc.SharedExperienceHalf,
			AgeBonusRate:         rc.AgeBonusRate,
			AgeBonusCap:          rc.AgeBonusCap,
			TierOffsets:          offsets,
			Thresholds:           thresholds,
		},
		Capacity: map[string]int{
			"acquaintance": 100,
			"friend":       25,
			"close":        10,
			"devoted":      3,
			"intimate":     1,
		},
		Decay: DecayConfig{
			Interval:         time.Hour,
			Grace:            72 * time.Hour,
			HalfLife:         7 * 24 * time.Hour,
			LowWater:         25,
			Expiry:           30 * 24 * time.Hour,
			InteractionBoost: 10,
			Workers:          8,
		},
		Queue:  QueueConfig{AcceptanceWindow: 0},
		Events: EventsConfig{Buffer: 64},
		Log:    LogConfig{Level: "info"},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then BONDLINE_* environment overrides.
// The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field ranges, tier names and the rarity invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.TierCapacities(); err != nil {
		return err
	}
	if _, err := c.RarityPolicy(); err != nil {
		return err
	}
	return nil
}

// TierCapacities parses the capacity section into per-tier defaults.
func (c *Config) TierCapacities() (map[bond.Tier]int, error) {
	out := make(map[bond.Tier]int, len(c.Capacity))
	for name, n := range c.Capacity {
		t, err := bond.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("capacity: %w", err)
		}
		if n < 0 {
			return nil, fmt.Errorf("capacity for %s must not be negative", t)
		}
		out[t] = n
	}
	return out, nil
}

// RarityPolicy converts the rarity section into a validated rarity.Config.
func (c *Config) RarityPolicy() (rarity.Config, error) {
	rc := rarity.Config{
		Weights:              c.Rarity.Weights,
		MetricScale:          c.Rarity.MetricScale,
		SharedExperienceHalf: c.Rarity.SharedExperienceHalf,
		AgeBonusRate:         c.Rarity.AgeBonusRate,
		AgeBonusCap:          c.Rarity.AgeBonusCap,
		TierOffsets:          make(map[bond.Tier]float64, len(c.Rarity.TierOffsets)),
	}
	for name, v := range c.Rarity.TierOffsets {
		t, err := bond.ParseTier(name)
		if err != nil {
			return rarity.Config{}, fmt.Errorf("rarity tier_offsets: %w", err)
		}
		rc.TierOffsets[t] = v
	}
	for _, label := range bond.RarityTiers[1:] {
		if v, ok := c.Rarity.Thresholds[string(label)]; ok {
			rc.Thresholds = append(rc.Thresholds, rarity.Threshold{Label: label, Min: v})
		}
	}
	for name := range c.Rarity.Thresholds {
		if bond.RarityTier(name).Rank() <= 0 {
			return rarity.Config{}, fmt.Errorf("rarity thresholds: unknown label %q", name)
		}
	}
	if err := rc.Validate(); err != nil {
		return rarity.Config{}, fmt.Errorf("rarity: %w", err)
	}
	return rc, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
