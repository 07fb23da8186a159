package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"routecast/internal/db"
)

type Config struct {
	ListenAddr     string   `validate:"required"`
	AllowedOrigins []string `validate:"min=1"`

	StoreDriver string `validate:"oneof=memory postgres sqlite"`
	DatabaseURL string `validate:"required_if=StoreDriver postgres"`
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`
	RoutesFile  string

	ArrivalThresholdKm float64       `validate:"gt=0"`
	ETAThrottle        time.Duration `validate:"gte=0"`
	RoutingURL         string        `validate:"omitempty,url"`
	RoutingTimeout     time.Duration `validate:"gt=0"`

	HeartbeatTimeout time.Duration `validate:"gte=0"`
	DisconnectGrace  time.Duration `validate:"gte=0"`
	SendQueueSize    int           `validate:"gt=0"`
	PersistTimeout   time.Duration `validate:"gt=0"`

	NATSURL           string `validate:"omitempty,url"`
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool

	AMQPURL      string `validate:"omitempty,url"`
	AMQPExchange string `validate:"required"`

	MQTTBroker      string `validate:"omitempty,url"`
	MQTTClientID    string `validate:"required"`
	MQTTTopicPrefix string `validate:"required"`

	MetricsAddr string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:        getenvDefault("LISTEN_ADDR", ":8080"),
		AllowedOrigins:    splitList(getenvDefault("ALLOWED_ORIGINS", "*")),
		StoreDriver:       strings.ToLower(getenvDefault("STORE_DRIVER", db.DriverMemory)),
		SQLitePath:        getenvDefault("SQLITE_PATH", "./data/routecast.db"),
		RoutesFile:        os.Getenv("ROUTES_FILE"),
		RoutingURL:        os.Getenv("ROUTING_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "routecast"),
		LogNATSSubjects:   parseBool(os.Getenv("LOG_NATS_SUBJECTS")),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      getenvDefault("AMQP_EXCHANGE", "routecast.emergency"),
		MQTTBroker:        os.Getenv("MQTT_BROKER"),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "routecast"),
		MQTTTopicPrefix:   getenvDefault("MQTT_TOPIC_PREFIX", "routecast/vehicle"),
		// Metrics listen address (e.g., ":9102"). Empty serves /metrics on the main router only.
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	if cfg.StoreDriver == db.DriverPostgres {
		dsn, err := postgresDSN()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	var err error
	if cfg.ArrivalThresholdKm, err = floatEnv("ARRIVAL_THRESHOLD_KM", 0.2); err != nil {
		return nil, err
	}
	if cfg.ETAThrottle, err = durationEnv("ETA_THROTTLE_SEC", 30, time.Second); err != nil {
		return nil, err
	}
	if cfg.RoutingTimeout, err = durationEnv("ROUTING_TIMEOUT_MS", 5000, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.HeartbeatTimeout, err = durationEnv("HEARTBEAT_TIMEOUT_SEC", 60, time.Second); err != nil {
		return nil, err
	}
	if cfg.DisconnectGrace, err = durationEnv("DISCONNECT_GRACE_SEC", 10, time.Second); err != nil {
		return nil, err
	}
	if cfg.PersistTimeout, err = durationEnv("PERSIST_TIMEOUT_MS", 2000, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize, err = intEnv("SEND_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SimulatorConfig drives cmd/simulator.
type SimulatorConfig struct {
	MQTTBroker      string        `validate:"required,url"`
	MQTTClientID    string        `validate:"required"`
	MQTTTopicPrefix string        `validate:"required"`
	RoutesFile      string        `validate:"required"`
	VehiclePrefix   string        `validate:"required"`
	PublishInterval time.Duration `validate:"gt=0"`
	SpeedKmh        float64       `validate:"gt=0"`
	SpeedMultiplier float64       `validate:"gt=0"`
}

func LoadSimulator() (*SimulatorConfig, error) {
	_ = godotenv.Load()

	cfg := &SimulatorConfig{
		MQTTBroker:      getenvDefault("MQTT_BROKER", "tcp://127.0.0.1:1883"),
		MQTTClientID:    getenvDefault("MQTT_CLIENT_ID", "routecast-simulator"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "routecast/vehicle"),
		RoutesFile:      os.Getenv("ROUTES_FILE"),
		VehiclePrefix:   getenvDefault("VEHICLE_PREFIX", "sim"),
	}
	var err error
	if cfg.PublishInterval, err = durationEnv("PUBLISH_INTERVAL_MS", 1000, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SpeedKmh, err = floatEnv("SPEED_KMH", 30); err != nil {
		return nil, err
	}
	if cfg.SpeedMultiplier, err = floatEnv("SPEED_MULTIPLIER", 1); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid simulator config: %w", err)
	}
	return cfg, nil
}

// postgresDSN prefers DATABASE_URL / PG_DSN, else builds one from PG* vars.
// PGDATABASE, when set, replaces the database named in DATABASE_URL.
func postgresDSN() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		if name := os.Getenv("PGDATABASE"); name != "" {
			return db.WithDBName(dsn, name)
		}
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	name := os.Getenv("PGDATABASE")
	if name == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set when STORE_DRIVER=postgres")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, name, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, name, sslmode), nil
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func floatEnv(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

// durationEnv reads an integer count of unit.
func durationEnv(k string, def int, unit time.Duration) (time.Duration, error) {
	n, err := intEnv(k, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
