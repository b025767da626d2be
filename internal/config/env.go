package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays CIQ_* environment variables onto cfg. Malformed numbers
// are ignored.
func FromEnv(cfg *Config) {
	str("CIQ_QUEUE", &cfg.Queue)

	str("CIQ_WORKER_ID", &cfg.Worker.ID)
	integer("CIQ_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	integer("CIQ_WORKER_JITTER_MS", &cfg.Worker.JitterMs)
	integer("CIQ_WORKER_ITEM_TIMEOUT_MS", &cfg.Worker.ItemTimeoutMs)
	str("CIQ_WORKER_FILTER", &cfg.Worker.Filter)
	float("CIQ_WORKER_MAX_CLAIM_RATE", &cfg.Worker.MaxClaimRate)

	str("CIQ_STORE_BACKEND", &cfg.Store.Backend)
	str("CIQ_STORE_DATA_DIR", &cfg.Store.DataDir)
	str("CIQ_STORE_FSYNC", &cfg.Store.Fsync)
	list("CIQ_STORE_ETCD_ENDPOINTS", &cfg.Store.Etcd.Endpoints)
	integer("CIQ_STORE_ETCD_DIAL_TIMEOUT_MS", &cfg.Store.Etcd.DialTimeoutMs)
	str("CIQ_STORE_ETCD_USERNAME", &cfg.Store.Etcd.Username)
	str("CIQ_STORE_ETCD_PASSWORD", &cfg.Store.Etcd.Password)
	str("CIQ_STORE_REDIS_ADDR", &cfg.Store.Redis.Addr)
	str("CIQ_STORE_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	integer("CIQ_STORE_REDIS_DB", &cfg.Store.Redis.DB)
	str("CIQ_STORE_POSTGRES_DSN", &cfg.Store.Postgres.DSN)
	integer("CIQ_STORE_POSTGRES_MAX_CONNS", &cfg.Store.Postgres.MaxConns)

	str("CIQ_STATUS_SINK", &cfg.Status.Sink)
	str("CIQ_STATUS_SCOPE", &cfg.Status.Scope)
	integer("CIQ_STATUS_BUFFER", &cfg.Status.Buffer)
	str("CIQ_STATUS_GITHUB_API_URL", &cfg.Status.GitHub.APIURL)
	str("CIQ_STATUS_GITHUB_TOKEN", &cfg.Status.GitHub.Token)
	str("CIQ_STATUS_GITHUB_TARGET_URL", &cfg.Status.GitHub.TargetURL)
	float("CIQ_STATUS_GITHUB_RPS", &cfg.Status.GitHub.RPS)
	list("CIQ_STATUS_KAFKA_BROKERS", &cfg.Status.Kafka.Brokers)
	str("CIQ_STATUS_KAFKA_TOPIC", &cfg.Status.Kafka.Topic)

	str("CIQ_ENGINE_KIND", &cfg.Engine.Kind)
	str("CIQ_ENGINE_COMMAND", &cfg.Engine.Command)
	str("CIQ_ENGINE_SHELL", &cfg.Engine.Shell)
	str("CIQ_ENGINE_WORKDIR", &cfg.Engine.Workdir)
	integer("CIQ_ENGINE_TIMEOUT_MS", &cfg.Engine.TimeoutMs)
	str("CIQ_ENGINE_K8S_KUBECONFIG", &cfg.Engine.Kubernetes.Kubeconfig)
	str("CIQ_ENGINE_K8S_NAMESPACE", &cfg.Engine.Kubernetes.Namespace)
	str("CIQ_ENGINE_K8S_IMAGE", &cfg.Engine.Kubernetes.Image)
	str("CIQ_ENGINE_K8S_SERVICE_ACCOUNT", &cfg.Engine.Kubernetes.ServiceAccount)

	str("CIQ_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("CIQ_GRPC_ADDR", &cfg.Server.GRPCAddr)
	boolean("CIQ_DEBUG", &cfg.Server.Debug)

	integer("CIQ_HISTORY_MAX_ENTRIES", &cfg.History.MaxEntries)
	integer("CIQ_HISTORY_MAX_AGE_MS", &cfg.History.MaxAgeMs)

	str("CIQ_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("CIQ_OTEL_SERVICE_NAME", &cfg.Telemetry.ServiceName)
	float("CIQ_OTEL_SAMPLE_RATIO", &cfg.Telemetry.SampleRatio)

	str("CIQ_LOG_LEVEL", &cfg.Log.Level)
	str("CIQ_LOG_FORMAT", &cfg.Log.Format)
}

func str(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func integer(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func float(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolean(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func list(name string, dst *[]string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*dst = nil
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*dst = append(*dst, p)
		}
	}
}
