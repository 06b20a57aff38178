// Package config loads the graphstream server configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds.
const (
	EngineGRPC = "grpc"
	EngineHTTP = "http"
)

type Config struct {
	Server Server `yaml:"server"`
	Batch  Batch  `yaml:"batch"`
	Engine Engine `yaml:"engine"`
	Otel   Otel   `yaml:"otel"`
	Log    Log    `yaml:"log"`
}

type Server struct {
	Listen          string        `yaml:"listen"`
	Path            string        `yaml:"path"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CrossSiteOrigin string        `yaml:"cross_site_origin"`
	ForwardHeaders  []string      `yaml:"forward_headers"`
	// MetricsPath serves Prometheus metrics when set.
	MetricsPath string `yaml:"metrics_path"`
}

type Batch struct {
	MaxOperations  int      `yaml:"max_operations"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	Identity       Identity `yaml:"identity"`
}

// Identity names the fields that make an object deduplicable.
type Identity struct {
	TypenameKey string   `yaml:"typename_key"`
	IDKeys      []string `yaml:"id_keys"`
}

type Engine struct {
	// Kind is EngineGRPC or EngineHTTP.
	Kind string `yaml:"kind"`
	// Endpoints are gRPC targets, used round-robin.
	Endpoints           []string      `yaml:"endpoints"`
	URL                 string        `yaml:"url"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	MaxConnsPerEndpoint int           `yaml:"max_conns_per_endpoint"`
	// Schema is an optional SDL file. When set, operations are validated
	// against it before they reach the engine.
	Schema string `yaml:"schema"`
}

type Otel struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Listen:       ":8080",
			Path:         "/graphql2",
			Timeout:      60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Batch: Batch{
			MaxOperations: 100,
			Identity: Identity{
				TypenameKey: "__typename",
				IDKeys:      []string{"_id", "id"},
			},
		},
		Engine: Engine{
			Kind:                EngineGRPC,
			RPCTimeout:          30 * time.Second,
			MaxConnsPerEndpoint: 2,
		},
		Otel: Otel{Service: "graphstream"},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Load reads path over Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode merges the YAML document in data into cfg. Unknown fields are
// rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("config: server.path must start with '/': %q", c.Server.Path)
	}
	if c.Server.MetricsPath != "" && c.Server.MetricsPath == c.Server.Path {
		return errors.New("config: server.metrics_path collides with server.path")
	}
	if c.Batch.MaxOperations < 0 || c.Batch.MaxConcurrency < 0 {
		return errors.New("config: batch limits must not be negative")
	}
	if c.Batch.Identity.TypenameKey == "" || len(c.Batch.Identity.IDKeys) == 0 {
		return errors.New("config: batch.identity needs a typename key and at least one id key")
	}
	switch c.Engine.Kind {
	case EngineGRPC:
		if len(c.Engine.Endpoints) == 0 {
			return errors.New("config: engine.endpoints is required for the grpc engine")
		}
	case EngineHTTP:
		if c.Engine.URL == "" {
			return errors.New("config: engine.url is required for the http engine")
		}
	default:
		return fmt.Errorf("config: unknown engine.kind %q", c.Engine.Kind)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(l.Level)); err != nil {
		return lv, fmt.Errorf("config: log.level: %w", err)
	}
	return lv, nil
}

// Logger builds the logger described by l, writing to w.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	lv, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lv}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
