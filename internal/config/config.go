package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/rzbill/ciqueue/pkg/log"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendEtcd     = "etcd"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Engine kinds.
const (
	EngineCommand    = "command"
	EngineKubernetes = "kubernetes"
)

// Status sinks.
const (
	SinkNone   = "none"
	SinkLog    = "log"
	SinkGitHub = "github"
	SinkKafka  = "kafka"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Queue names the shared collection. Workers cooperate only when they
	// use the same queue on the same store.
	Queue     string          `json:"queue" yaml:"queue"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Status    StatusConfig    `json:"status" yaml:"status"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Log       log.Config      `json:"log" yaml:"log"`
}

// WorkerConfig is the claim policy of this worker.
type WorkerConfig struct {
	// ID must be unique across the cluster. Empty means hostname plus a
	// fresh ULID.
	ID            string  `json:"id" yaml:"id"`
	Concurrency   int     `json:"concurrency" yaml:"concurrency"`
	JitterMs      int     `json:"jitterMs" yaml:"jitterMs"`
	ItemTimeoutMs int     `json:"itemTimeoutMs" yaml:"itemTimeoutMs"`
	Filter        string  `json:"filter" yaml:"filter"`
	MaxClaimRate  float64 `json:"maxClaimRate" yaml:"maxClaimRate"`
}

// Jitter is JitterMs as a duration.
func (w WorkerConfig) Jitter() time.Duration { return time.Duration(w.JitterMs) * time.Millisecond }

// ItemTimeout is the lease timeout.
func (w WorkerConfig) ItemTimeout() time.Duration {
	return time.Duration(w.ItemTimeoutMs) * time.Millisecond
}

// StoreConfig selects and configures the shared store.
type StoreConfig struct {
	Backend  string         `json:"backend" yaml:"backend"`
	DataDir  string         `json:"dataDir" yaml:"dataDir"`
	Fsync    string         `json:"fsync" yaml:"fsync"`
	Etcd     EtcdConfig     `json:"etcd" yaml:"etcd"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	Endpoints     []string `json:"endpoints" yaml:"endpoints" validate:"required,min=1,dive,required"`
	DialTimeoutMs int      `json:"dialTimeoutMs" yaml:"dialTimeoutMs" validate:"gte=0"`
	Username      string   `json:"username" yaml:"username"`
	Password      string   `json:"password" yaml:"password"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db" validate:"gte=0"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN      string `json:"dsn" yaml:"dsn" validate:"required"`
	MaxConns int    `json:"maxConns" yaml:"maxConns" validate:"gte=0"`
}

// StatusConfig selects where commit statuses go.
type StatusConfig struct {
	Sink   string       `json:"sink" yaml:"sink"`
	Scope  string       `json:"scope" yaml:"scope"`
	Buffer int          `json:"buffer" yaml:"buffer"`
	GitHub GitHubConfig `json:"github" yaml:"github"`
	Kafka  KafkaConfig  `json:"kafka" yaml:"kafka"`
}

// GitHubConfig configures the GitHub commit status sink.
type GitHubConfig struct {
	APIURL    string  `json:"apiUrl" yaml:"apiUrl"`
	Token     string  `json:"token" yaml:"token"`
	TargetURL string  `json:"targetUrl" yaml:"targetUrl"`
	RPS       float64 `json:"rps" yaml:"rps"`
}

// KafkaConfig configures the Kafka status sink.
type KafkaConfig struct {
	Brokers  []string `json:"brokers" yaml:"brokers"`
	Topic    string   `json:"topic" yaml:"topic"`
	ClientID string   `json:"clientId" yaml:"clientId"`
}

// EngineConfig selects how claimed items run. Command, Shell and Workdir
// apply to the command engine; Env and TimeoutMs to both.
type EngineConfig struct {
	Kind       string           `json:"kind" yaml:"kind"`
	Command    string           `json:"command" yaml:"command"`
	Shell      string           `json:"shell" yaml:"shell"`
	Workdir    string           `json:"workdir" yaml:"workdir"`
	Env        []string         `json:"env" yaml:"env"`
	TimeoutMs  int              `json:"timeoutMs" yaml:"timeoutMs"`
	Kubernetes KubernetesConfig `json:"kubernetes" yaml:"kubernetes"`
}

// KubernetesConfig configures the Job engine.
type KubernetesConfig struct {
	// Kubeconfig is used outside a cluster; empty means the in-cluster
	// config, then ~/.kube/config.
	Kubeconfig     string   `json:"kubeconfig" yaml:"kubeconfig"`
	Namespace      string   `json:"namespace" yaml:"namespace" validate:"required,dns_rfc1035_label"`
	Image          string   `json:"image" yaml:"image" validate:"required"`
	Command        []string `json:"command" yaml:"command"`
	ServiceAccount string   `json:"serviceAccount" yaml:"serviceAccount"`
	PollIntervalMs int      `json:"pollIntervalMs" yaml:"pollIntervalMs" validate:"gte=0"`
	TTLSeconds     int      `json:"ttlSeconds" yaml:"ttlSeconds" validate:"gte=0"`
}

// ServerConfig holds listen addresses. Empty disables the listener.
type ServerConfig struct {
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`
	// Debug serves runtime charts under /debug/statsviz on the HTTP listener.
	Debug bool `json:"debug" yaml:"debug"`
}

// HistoryConfig bounds the local log of finished runs.
type HistoryConfig struct {
	MaxEntries int `json:"maxEntries" yaml:"maxEntries"`
	MaxAgeMs   int `json:"maxAgeMs" yaml:"maxAgeMs"`
}

// TelemetryConfig exports traces and metrics over OTLP/gRPC. An empty
// Endpoint keeps telemetry in-process.
type TelemetryConfig struct {
	Endpoint    string  `json:"endpoint" yaml:"endpoint" validate:"omitempty,hostname_port"`
	ServiceName string  `json:"serviceName" yaml:"serviceName"`
	SampleRatio float64 `json:"sampleRatio" yaml:"sampleRatio" validate:"gte=0,lte=1"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// MaxAge is MaxAgeMs as a duration.
func (h HistoryConfig) MaxAge() time.Duration { return time.Duration(h.MaxAgeMs) * time.Millisecond }

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Queue: "ci",
		Worker: WorkerConfig{
			Concurrency:   1,
			JitterMs:      1000,
			ItemTimeoutMs: 60000,
		},
		Store: StoreConfig{
			Backend: BackendPebble,
			DataDir: DefaultDataDir(),
			Fsync:   "always",
			Etcd:    EtcdConfig{DialTimeoutMs: 5000},
		},
		Status: StatusConfig{
			Sink:   SinkLog,
			Scope:  "CI",
			Buffer: 256,
			GitHub: GitHubConfig{APIURL: "https://api.github.com", RPS: 5},
			Kafka:  KafkaConfig{Topic: "ciqueue.status", ClientID: "ciqueue"},
		},
		Engine: EngineConfig{
			Kind:       EngineCommand,
			Shell:      "/bin/sh",
			Kubernetes: KubernetesConfig{Namespace: "default", PollIntervalMs: 2000},
		},
		Server:    ServerConfig{HTTPAddr: ":8480", GRPCAddr: ":8481"},
		History:   HistoryConfig{MaxEntries: 1000, MaxAgeMs: 24 * 3600 * 1000},
		Telemetry: TelemetryConfig{ServiceName: "ciqueue", SampleRatio: 1, Insecure: true},
		Log:       log.Config{Level: "info", Format: "text", Redact: []string{"token", "password", "dsn"}},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// Default. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	return cfg, nil
}

// DefaultWorkerID is the hostname followed by a fresh ULID.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strings.ToLower(ulid.Make().String())
}

// Validate checks the config and fills the worker id when unset.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue == "" {
		errs = append(errs, errors.New("queue name is required"))
	}
	if c.Worker.ID == "" {
		c.Worker.ID = DefaultWorkerID()
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency))
	}
	if c.Worker.JitterMs < 0 {
		errs = append(errs, fmt.Errorf("worker.jitterMs must not be negative, got %d", c.Worker.JitterMs))
	}
	if c.Worker.ItemTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("worker.itemTimeoutMs must be positive, got %d", c.Worker.ItemTimeoutMs))
	}
	if c.Worker.MaxClaimRate < 0 {
		errs = append(errs, fmt.Errorf("worker.maxClaimRate must not be negative"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Store.DataDir == "" {
			errs = append(errs, errors.New("store.dataDir is required for pebble"))
		}
		switch c.Store.Fsync {
		case "", "always", "interval", "never":
		default:
			errs = append(errs, fmt.Errorf("store.fsync must be always|interval|never, got %q", c.Store.Fsync))
		}
	case BackendEtcd:
		errs = append(errs, validateSection("store.etcd", c.Store.Etcd))
	case BackendRedis:
		errs = append(errs, validateSection("store.redis", c.Store.Redis))
	case BackendPostgres:
		errs = append(errs, validateSection("store.postgres", c.Store.Postgres))
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.History.MaxEntries < 0 || c.History.MaxAgeMs < 0 {
		errs = append(errs, errors.New("history limits must not be negative"))
	}

	switch c.Status.Sink {
	case "", SinkNone, SinkLog:
	case SinkGitHub:
		if c.Status.GitHub.Token == "" {
			errs = append(errs, errors.New("status.github.token is required for the github sink"))
		}
	case SinkKafka:
		if len(c.Status.Kafka.Brokers) == 0 || c.Status.Kafka.Topic == "" {
			errs = append(errs, errors.New("status.kafka.brokers and topic are required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown status.sink %q", c.Status.Sink))
	}

	if c.Engine.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("engine.timeoutMs must not be negative"))
	}
	switch c.Engine.Kind {
	case "", EngineCommand:
	case EngineKubernetes:
		errs = append(errs, validateSection("engine.kubernetes", c.Engine.Kubernetes))
	default:
		errs = append(errs, fmt.Errorf("unknown engine.kind %q", c.Engine.Kind))
	}
	errs = append(errs, validateSection("telemetry", c.Telemetry))
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
