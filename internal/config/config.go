package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Game     GameConfig    `yaml:"game"`
	Scoring  ScoringConfig `yaml:"scoring"`
	Teams    []TeamConfig  `yaml:"teams"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig  `yaml:"server"`
}

type GameConfig struct {
	NumTeams             int `yaml:"num_teams"`
	RoundDuration        int `yaml:"round_duration"`
	PatchDuration        int `yaml:"patch_duration"`
	ServiceCheckInterval int `yaml:"service_check_interval"`
	// FlagLifetime is read for compatibility with existing config files but
	// flags never expire within a game run.
	FlagLifetime int `yaml:"flag_lifetime"`
}

type ScoringConfig struct {
	SLATotalPool          float64 `yaml:"sla_total_pool"`
	BaseDefenseScore      float64 `yaml:"base_defense_score"`
	AttackScorePerFlag    float64 `yaml:"attack_score_per_flag"`
	DefensePenaltyPerSteal float64 `yaml:"defense_penalty_per_steal"`
}

type TeamConfig struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Game.NumTeams < 1 {
		return fmt.Errorf("config: game.num_teams must be >= 1")
	}
	if len(c.Teams) == 0 {
		return fmt.Errorf("config: no teams defined")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Game.RoundDuration == 0 {
		c.Game.RoundDuration = 300
	}
	if c.Game.PatchDuration == 0 {
		c.Game.PatchDuration = 300
	}
	if c.Game.ServiceCheckInterval == 0 {
		c.Game.ServiceCheckInterval = 30
	}
	if c.Scoring.SLATotalPool == 0 {
		c.Scoring.SLATotalPool = 512
	}
	if c.Scoring.BaseDefenseScore == 0 {
		c.Scoring.BaseDefenseScore = 12
	}
	if c.Scoring.AttackScorePerFlag == 0 {
		c.Scoring.AttackScorePerFlag = 1
	}
	if c.Scoring.DefensePenaltyPerSteal == 0 {
		c.Scoring.DefensePenaltyPerSteal = 1
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8001
	}
}

// DataDir returns the directory holding the database, token file and patches.
func (c *Config) DataDir() string {
	return filepath.Dir(c.Database.Path)
}

// TokenFile is the persisted token table path, next to the database.
func (c *Config) TokenFile() string {
	return filepath.Join(c.DataDir(), "tokens.json")
}

// PatchDir is the durable patch blob directory, next to the database.
func (c *Config) PatchDir() string {
	return filepath.Join(c.DataDir(), "patches")
}
