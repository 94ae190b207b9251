// Package config loads daemon configuration: defaults, then a TOML
// file, then environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Instance string         `toml:"instance"` // daemon identity, e.g. "chorus"
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	HTTP     HTTPConfig     `toml:"http"`
	Fabric   FabricConfig   `toml:"fabric"`
	Memory   MemoryConfig   `toml:"memory"`
	Graph    GraphConfig    `toml:"graph"`
	Vector   VectorConfig   `toml:"vector"`
	Worker   WorkerConfig   `toml:"worker"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Observer ObserverConfig `toml:"observer"`
}

type DatabaseConfig struct {
	Backend     string `toml:"backend"` // sqlite | postgres
	Path        string `toml:"path"`    // sqlite file
	PostgresURL string `toml:"postgres_url"`
}

type AuthConfig struct {
	EntityPath  string `toml:"entity_path"` // token file
	Strict      bool   `toml:"strict"`
	MasterToken string `toml:"master_token"`
}

type HTTPConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type FabricConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// TokenPath holds the conversation daemon's fabric credential,
	// auto-generated when missing. fabricd seeds the matching bot user;
	// chorusd dials the websocket with it.
	TokenPath string `toml:"token_path"`
}

type MemoryConfig struct {
	AnchorsDir  string `toml:"anchors_dir"`
	CrystalsDir string `toml:"crystals_dir"`
	// SummarizeThreshold is the unsummarized backlog at which the
	// compaction job starts folding messages into summaries.
	SummarizeThreshold int `toml:"summarize_threshold"`
	PruneAfterDays     int `toml:"prune_after_days"` // 0 disables pruning
}

type GraphConfig struct {
	Backend  string `toml:"backend"` // neo4j | http
	URI      string `toml:"uri"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	Group    string `toml:"group"`
	BaseURL  string `toml:"base_url"` // http backend
}

type VectorConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Collection string `toml:"collection"`
	APIKey     string `toml:"api_key"` // embedder key
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	BaseURL    string `toml:"base_url"` // embedder endpoint
}

type WorkerConfig struct {
	Runner  string   `toml:"runner"` // subprocess | docker
	Binary  string   `toml:"binary"`
	Args    []string `toml:"args"`
	WorkDir string   `toml:"work_dir"`
	Image   string   `toml:"image"` // docker runner
	Model   string   `toml:"model"`
}

type DispatchConfig struct {
	ActiveModeTimeoutMinutes    int     `toml:"active_mode_timeout_minutes"`
	CrystallizationTurns        int     `toml:"crystallization_turn_threshold"`
	ClaimTTLSeconds             int     `toml:"claim_ttl_seconds"`
	DebounceInitialSeconds      float64 `toml:"debounce_initial_seconds"`
	DebounceHumanInitialSeconds float64 `toml:"debounce_human_initial_seconds"`
	DebounceMaxSeconds          float64 `toml:"debounce_max_seconds"`
	KnownBots                   []string `toml:"known_bots"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	base := filepath.Join(home, ".chorus")
	return Config{
		Instance: "chorus",
		Database: DatabaseConfig{Backend: "sqlite", Path: filepath.Join(base, "ledger.db")},
		Auth:     AuthConfig{EntityPath: filepath.Join(base, "entity.token")},
		HTTP:     HTTPConfig{Host: "127.0.0.1", Port: 8710},
		Fabric:   FabricConfig{Host: "0.0.0.0", Port: 8720, TokenPath: filepath.Join(base, "fabric.token")},
		Memory: MemoryConfig{
			AnchorsDir:         filepath.Join(base, "anchors"),
			CrystalsDir:        filepath.Join(base, "crystals"),
			SummarizeThreshold: 40,
		},
		Graph:  GraphConfig{Backend: "neo4j", URI: "bolt://localhost:7687", Username: "neo4j", Group: "chorus"},
		Vector: VectorConfig{Host: "localhost", Port: 6334, Collection: "anchors", Dimensions: 1536},
		Worker: WorkerConfig{Runner: "subprocess", Binary: "claude"},
		Dispatch: DispatchConfig{
			ActiveModeTimeoutMinutes: 10,
			CrystallizationTurns:     25,
			ClaimTTLSeconds:          30,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chorus.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	setStr(&cfg.Database.Path, "CHORUS_DB_PATH")
	setStr(&cfg.Database.PostgresURL, "CHORUS_POSTGRES_URL")
	setStr(&cfg.Auth.EntityPath, "ENTITY_PATH")
	setStr(&cfg.Auth.MasterToken, "PPS_MASTER_TOKEN")
	setStr(&cfg.HTTP.Host, "CHORUS_HOST")
	setStr(&cfg.Fabric.Host, "FABRIC_HOST")
	setStr(&cfg.Fabric.TokenPath, "FABRIC_TOKEN_PATH")
	setStr(&cfg.Graph.URI, "CHORUS_GRAPH_URI")
	setStr(&cfg.Graph.Password, "CHORUS_GRAPH_PASSWORD")
	setStr(&cfg.Vector.APIKey, "CHORUS_EMBED_API_KEY")
	setInt(&cfg.HTTP.Port, "CHORUS_PORT")
	setInt(&cfg.Fabric.Port, "FABRIC_PORT")
	setInt(&cfg.Dispatch.ActiveModeTimeoutMinutes, "ACTIVE_MODE_TIMEOUT_MINUTES")
	setInt(&cfg.Dispatch.CrystallizationTurns, "CRYSTALLIZATION_TURN_THRESHOLD")
	setInt(&cfg.Dispatch.ClaimTTLSeconds, "CLAIM_TTL_SECONDS")
	setFloat(&cfg.Dispatch.DebounceInitialSeconds, "DEBOUNCE_INITIAL_SECONDS")
	setFloat(&cfg.Dispatch.DebounceHumanInitialSeconds, "DEBOUNCE_HUMAN_INITIAL_SECONDS")
	setFloat(&cfg.Dispatch.DebounceMaxSeconds, "DEBOUNCE_MAX_SECONDS")

	if v := os.Getenv("PPS_STRICT_AUTH"); v == "true" || v == "1" {
		cfg.Auth.Strict = true
	}

	return cfg
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
