package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"bakehouse/backend/internal/domain"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	CartTTLMinutes           int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	DefaultBranchID          string
	DeliveryFee              int64
	ServiceArea              domain.ServiceArea
	KafkaBrokers             string
	KafkaOrderTopic          string
	SagaJournalDir           string
	ReconcileIntervalSeconds int
	LogLevel                 string
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cartTTL := positiveInt("CART_TTL_MINUTES", 120)
	tokenTTL := positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	reconcile, err := strconv.Atoi(getEnv("RECONCILE_INTERVAL_SECONDS", "0"))
	if err != nil || reconcile < 0 {
		reconcile = 0
	}
	deliveryFee, err := strconv.ParseInt(getEnv("DELIVERY_FEE", "0"), 10, 64)
	if err != nil || deliveryFee < 0 {
		deliveryFee = 0
	}
	area, err := ParseServiceArea(os.Getenv("SERVICE_AREA"))
	if err != nil {
		area = domain.ServiceArea{}
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		CartTTLMinutes:           cartTTL,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		DefaultBranchID:          getEnv("DEFAULT_BRANCH_ID", "main"),
		DeliveryFee:              deliveryFee,
		ServiceArea:              area,
		KafkaBrokers:             strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaOrderTopic:          getEnv("KAFKA_ORDER_TOPIC", "bakery.orders"),
		SagaJournalDir:           strings.TrimSpace(os.Getenv("SAGA_JOURNAL_DIR")),
		ReconcileIntervalSeconds: reconcile,
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// ParseServiceArea parses "minLat,minLng,maxLat,maxLng". An empty string is
// the zero area, which accepts no deliveries.
func ParseServiceArea(raw string) (domain.ServiceArea, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.ServiceArea{}, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return domain.ServiceArea{}, fmt.Errorf("service area needs 4 comma separated values, got %d", len(parts))
	}
	values := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.ServiceArea{}, fmt.Errorf("service area value %q: %w", p, err)
		}
		values[i] = v
	}
	area := domain.ServiceArea{MinLat: values[0], MinLng: values[1], MaxLat: values[2], MaxLng: values[3]}
	if area.MinLat > area.MaxLat || area.MinLng > area.MaxLng {
		return domain.ServiceArea{}, fmt.Errorf("service area minimum exceeds maximum")
	}
	return area, nil
}

func positiveInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
