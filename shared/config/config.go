package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	EventStorePostgres = "postgres"
	EventStoreMemory   = "memory"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	OIDCIssuer       string
	OIDCAudience     string
	OIDCJWKSURL      string
	JWKSTTLSeconds   int
	JWTClockSkewSec  int
	AuthWriteRole    string
	RateLimitRPS     float64
	RateLimitBurst   int
	CORSOrigins      []string
	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	EventStore       string
	KafkaBrokers     []string
	KafkaClientID    string
	KafkaTopic       string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxTimeoutMS  int

	NodeID               string
	AdvertiseAddr        string
	ShardCount           int
	ShardLeaseTTLMS      int
	NodeHeartbeatMS      int
	ProjectionTags       int
	ProjectionBatchSize  int
	ProjectionPollMS     int
	AskTimeoutMS         int
	PassivationIdleSec   int
	SnapshotEvery        int
	SnapshotKeep         int
	RestartBackoffMinMS  int
	RestartBackoffMaxMS  int
	RestartBackoffJitter float64

	OrderServiceURL   string
	OrderServiceToken string
	OrderTimeoutMS    int
	OrderRetryMax     int
	OrderEnabled      bool
	PublishEnabled    bool
	ActivityEnabled   bool

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func (c Config) AskTimeout() time.Duration {
	return time.Duration(c.AskTimeoutMS) * time.Millisecond
}

func (c Config) ShardLeaseTTL() time.Duration {
	return time.Duration(c.ShardLeaseTTLMS) * time.Millisecond
}

func (c Config) NodeHeartbeat() time.Duration {
	return time.Duration(c.NodeHeartbeatMS) * time.Millisecond
}

func (c Config) ProjectionPoll() time.Duration {
	return time.Duration(c.ProjectionPollMS) * time.Millisecond
}

func (c Config) PassivationIdle() time.Duration {
	return time.Duration(c.PassivationIdleSec) * time.Second
}

func (c Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutMS) * time.Millisecond
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                  envRaw,
		ServiceName:          serviceNameDefault,
		HTTPPort:             httpPortDefault,
		LogLevel:             "info",
		ConfigPath:           strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:     30000,
		JWKSTTLSeconds:       300,
		JWTClockSkewSec:      60,
		RateLimitBurst:       20,
		DBMaxConns:           10,
		DBMinConns:           1,
		DBConnMaxIdleSec:     300,
		DBConnMaxLifeSec:     1800,
		EventStore:           EventStorePostgres,
		KafkaTopic:           "shopping-cart-events",
		KafkaRetryMax:        5,
		KafkaWriteMS:         5000,
		AsynqQueue:           "orders",
		AsynqConcurrency:     10,
		InfluxTimeoutMS:      5000,
		ShardCount:           100,
		ShardLeaseTTLMS:      10000,
		NodeHeartbeatMS:      3000,
		ProjectionTags:       5,
		ProjectionBatchSize:  100,
		ProjectionPollMS:     500,
		AskTimeoutMS:         5000,
		PassivationIdleSec:   120,
		SnapshotEvery:        100,
		SnapshotKeep:         3,
		RestartBackoffMinMS:  200,
		RestartBackoffMaxMS:  5000,
		RestartBackoffJitter: 0.1,
		OrderTimeoutMS:       3000,
		OrderRetryMax:        2,
		OrderEnabled:         true,
		PublishEnabled:       true,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// If issuer is set and no explicit JWKS URL is provided, default to issuer/.well-known/jwks.json.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.NodeID = host + "-" + strconv.Itoa(cfg.HTTPPort)
	}
	if cfg.AdvertiseAddr == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.AdvertiseAddr = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.HTTPPort))
	}
	cfg.AdvertiseAddr = strings.TrimRight(cfg.AdvertiseAddr, "/")

	return cfg, problems
}

type intRule struct {
	field string
	value *int
	min   int
	def   int
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}

	rules := []intRule{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 1, 30000},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 1, 300},
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 0, 60},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst, 1, 20},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, 1, 10},
		{"DB_MIN_CONNS", &cfg.DBMinConns, 0, 1},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 1, 300},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1, 1800},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 0, 5},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 1, 5000},
		{"REDIS_DB", &cfg.RedisDB, 0, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0, 0},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 1, 10},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 1, 5000},
		{"SHARD_COUNT", &cfg.ShardCount, 1, 100},
		{"SHARD_LEASE_TTL_MS", &cfg.ShardLeaseTTLMS, 1000, 10000},
		{"NODE_HEARTBEAT_MS", &cfg.NodeHeartbeatMS, 100, 3000},
		{"PROJECTION_TAGS", &cfg.ProjectionTags, 1, 5},
		{"PROJECTION_BATCH_SIZE", &cfg.ProjectionBatchSize, 1, 100},
		{"PROJECTION_POLL_MS", &cfg.ProjectionPollMS, 10, 500},
		{"ASK_TIMEOUT_MS", &cfg.AskTimeoutMS, 1, 5000},
		{"PASSIVATION_IDLE_SECONDS", &cfg.PassivationIdleSec, 1, 120},
		{"SNAPSHOT_EVERY", &cfg.SnapshotEvery, 0, 100},
		{"SNAPSHOT_KEEP", &cfg.SnapshotKeep, 1, 3},
		{"RESTART_BACKOFF_MIN_MS", &cfg.RestartBackoffMinMS, 1, 200},
		{"RESTART_BACKOFF_MAX_MS", &cfg.RestartBackoffMaxMS, 1, 5000},
		{"ORDER_TIMEOUT_MS", &cfg.OrderTimeoutMS, 1, 3000},
		{"ORDER_RETRY_MAX", &cfg.OrderRetryMax, 0, 2},
	}
	for _, rule := range rules {
		if *rule.value < rule.min {
			*problems = append(*problems, Problem{Field: rule.field, Message: fmt.Sprintf("%s must be >= %d", rule.field, rule.min)})
			*rule.value = rule.def
		}
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.RestartBackoffMinMS > cfg.RestartBackoffMaxMS {
		*problems = append(*problems, Problem{Field: "RESTART_BACKOFF_MIN_MS", Message: "RESTART_BACKOFF_MIN_MS must be <= RESTART_BACKOFF_MAX_MS"})
		cfg.RestartBackoffMinMS = 200
		cfg.RestartBackoffMaxMS = 5000
	}
	if cfg.RestartBackoffJitter < 0 || cfg.RestartBackoffJitter > 1 {
		*problems = append(*problems, Problem{Field: "RESTART_BACKOFF_JITTER", Message: "RESTART_BACKOFF_JITTER must be 0-1"})
		cfg.RestartBackoffJitter = 0.1
	}
	if cfg.NodeHeartbeatMS*2 > cfg.ShardLeaseTTLMS {
		*problems = append(*problems, Problem{Field: "NODE_HEARTBEAT_MS", Message: "NODE_HEARTBEAT_MS must be at most half of SHARD_LEASE_TTL_MS"})
		cfg.NodeHeartbeatMS = cfg.ShardLeaseTTLMS / 3
	}
	cfg.EventStore = strings.ToLower(strings.TrimSpace(cfg.EventStore))
	if cfg.EventStore != EventStorePostgres && cfg.EventStore != EventStoreMemory {
		*problems = append(*problems, Problem{Field: "EVENT_STORE", Message: "EVENT_STORE must be postgres or memory"})
		cfg.EventStore = EventStorePostgres
	}
	if cfg.RateLimitRPS < 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be >= 0"})
		cfg.RateLimitRPS = 0
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

type kind int

const (
	kindString kind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindList
)

// binding ties one configuration key to its destination field.
type binding struct {
	key  string
	kind kind
	ptr  any
}

func bindings(cfg *Config) []binding {
	return []binding{
		{"SERVICE_NAME", kindString, &cfg.ServiceName},
		{"LOG_LEVEL", kindString, &cfg.LogLevel},
		{"REQUEST_TIMEOUT_MS", kindInt, &cfg.RequestTimeoutMS},
		{"OIDC_ISSUER", kindString, &cfg.OIDCIssuer},
		{"OIDC_AUDIENCE", kindString, &cfg.OIDCAudience},
		{"OIDC_JWKS_URL", kindString, &cfg.OIDCJWKSURL},
		{"JWKS_CACHE_TTL_SECONDS", kindInt, &cfg.JWKSTTLSeconds},
		{"JWT_CLOCK_SKEW_SECONDS", kindInt, &cfg.JWTClockSkewSec},
		{"AUTH_WRITE_ROLE", kindString, &cfg.AuthWriteRole},
		{"RATE_LIMIT_RPS", kindFloat, &cfg.RateLimitRPS},
		{"RATE_LIMIT_BURST", kindInt, &cfg.RateLimitBurst},
		{"CORS_ALLOWED_ORIGINS", kindList, &cfg.CORSOrigins},
		{"DATABASE_URL", kindString, &cfg.DatabaseURL},
		{"DB_MAX_CONNS", kindInt, &cfg.DBMaxConns},
		{"DB_MIN_CONNS", kindInt, &cfg.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", kindInt, &cfg.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", kindInt, &cfg.DBConnMaxLifeSec},
		{"EVENT_STORE", kindString, &cfg.EventStore},
		{"KAFKA_BROKERS", kindList, &cfg.KafkaBrokers},
		{"KAFKA_CLIENT_ID", kindString, &cfg.KafkaClientID},
		{"KAFKA_TOPIC", kindString, &cfg.KafkaTopic},
		{"KAFKA_RETRY_MAX", kindInt, &cfg.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", kindInt, &cfg.KafkaWriteMS},
		{"REDIS_ADDR", kindString, &cfg.RedisAddr},
		{"REDIS_PASSWORD", kindSecret, &cfg.RedisPassword},
		{"REDIS_DB", kindInt, &cfg.RedisDB},
		{"ASYNQ_REDIS_ADDR", kindString, &cfg.AsynqRedisAddr},
		{"ASYNQ_REDIS_PASSWORD", kindSecret, &cfg.AsynqRedisPass},
		{"ASYNQ_REDIS_DB", kindInt, &cfg.AsynqRedisDB},
		{"ASYNQ_QUEUE", kindString, &cfg.AsynqQueue},
		{"ASYNQ_CONCURRENCY", kindInt, &cfg.AsynqConcurrency},
		{"ASYNQ_ENABLED", kindBool, &cfg.AsynqEnabled},
		{"INFLUX_URL", kindString, &cfg.InfluxURL},
		{"INFLUX_TOKEN", kindSecret, &cfg.InfluxToken},
		{"INFLUX_ORG", kindString, &cfg.InfluxOrg},
		{"INFLUX_BUCKET", kindString, &cfg.InfluxBucket},
		{"INFLUX_TIMEOUT_MS", kindInt, &cfg.InfluxTimeoutMS},
		{"NODE_ID", kindString, &cfg.NodeID},
		{"ADVERTISE_ADDR", kindString, &cfg.AdvertiseAddr},
		{"SHARD_COUNT", kindInt, &cfg.ShardCount},
		{"SHARD_LEASE_TTL_MS", kindInt, &cfg.ShardLeaseTTLMS},
		{"NODE_HEARTBEAT_MS", kindInt, &cfg.NodeHeartbeatMS},
		{"PROJECTION_TAGS", kindInt, &cfg.ProjectionTags},
		{"PROJECTION_BATCH_SIZE", kindInt, &cfg.ProjectionBatchSize},
		{"PROJECTION_POLL_MS", kindInt, &cfg.ProjectionPollMS},
		{"ASK_TIMEOUT_MS", kindInt, &cfg.AskTimeoutMS},
		{"PASSIVATION_IDLE_SECONDS", kindInt, &cfg.PassivationIdleSec},
		{"SNAPSHOT_EVERY", kindInt, &cfg.SnapshotEvery},
		{"SNAPSHOT_KEEP", kindInt, &cfg.SnapshotKeep},
		{"RESTART_BACKOFF_MIN_MS", kindInt, &cfg.RestartBackoffMinMS},
		{"RESTART_BACKOFF_MAX_MS", kindInt, &cfg.RestartBackoffMaxMS},
		{"RESTART_BACKOFF_JITTER", kindFloat, &cfg.RestartBackoffJitter},
		{"ORDER_SERVICE_URL", kindString, &cfg.OrderServiceURL},
		{"ORDER_SERVICE_TOKEN", kindSecret, &cfg.OrderServiceToken},
		{"ORDER_TIMEOUT_MS", kindInt, &cfg.OrderTimeoutMS},
		{"ORDER_RETRY_MAX", kindInt, &cfg.OrderRetryMax},
		{"ORDER_ENABLED", kindBool, &cfg.OrderEnabled},
		{"PUBLISH_ENABLED", kindBool, &cfg.PublishEnabled},
		{"ACTIVITY_ENABLED", kindBool, &cfg.ActivityEnabled},
		{"OTEL_ENABLED", kindBool, &cfg.OtelEnabled},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", kindString, &cfg.OtelEndpoint},
		{"OTEL_EXPORTER_OTLP_INSECURE", kindBool, &cfg.OtelInsecure},
		{"OTEL_SAMPLE_RATIO", kindFloat, &cfg.OtelSampleRatio},
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	for _, b := range bindings(cfg) {
		raw := os.Getenv(b.key)
		if b.kind != kindSecret {
			raw = strings.TrimSpace(raw)
		}
		if raw == "" {
			continue
		}
		assign(b, raw, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]binding)
	for _, b := range bindings(cfg) {
		byKey[b.key] = b
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
			continue
		}
		b, ok := byKey[key]
		if !ok {
			continue
		}
		assign(b, v, problems)
	}
}

// assign converts v (an env string or a decoded JSON value) into the binding's field.
func assign(b binding, v any, problems *[]Problem) {
	switch b.kind {
	case kindString, kindSecret:
		if s, ok := v.(string); ok {
			if b.kind == kindString {
				s = strings.TrimSpace(s)
			}
			if s != "" {
				*b.ptr.(*string) = s
			}
		}
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be an integer"})
			return
		}
		*b.ptr.(*int) = n
	case kindBool:
		var (
			flag bool
			ok   bool
		)
		switch t := v.(type) {
		case bool:
			flag, ok = t, true
		case string:
			flag, ok = asBool(t)
		}
		if !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a boolean"})
			return
		}
		*b.ptr.(*bool) = flag
	case kindFloat:
		f, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a number"})
			return
		}
		*b.ptr.(*float64) = f
	case kindList:
		switch t := v.(type) {
		case string:
			*b.ptr.(*[]string) = parseCSV(t)
		case []any:
			*b.ptr.(*[]string) = parseAnyCSV(t)
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
