package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type IndexCacheCfg struct {
	Enabled bool
	TTL     time.Duration
	LRUSize int
}

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers []string
	GroupID string
}

type EventsCfg struct {
	Enabled bool
	Topic   string
	Queue   int
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	DatasetDir     string
	RedisAddr      string
	CacheOpTimeout time.Duration
	MaxPoints      int
	IndexCache     IndexCacheCfg
	Invalidation   InvalidationCfg
	Events         EventsCfg
}

func FromEnv() Config {
	brokers := splitList(getenv("KAFKA_BROKERS", "localhost:9092"))

	lru := getint("INDEX_CACHE_LRU_SIZE", 256)
	if lru <= 0 {
		lru = 256
	}
	maxPoints := getint("MAX_POINTS", 10000)
	if maxPoints <= 0 {
		maxPoints = 10000
	}

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		DatasetDir:     getenv("DATASET_DIR", "./data"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		MaxPoints:      maxPoints,
		IndexCache: IndexCacheCfg{
			Enabled: getbool("INDEX_CACHE_ENABLED", false),
			TTL:     getduration("INDEX_CACHE_TTL", 10*time.Minute),
			LRUSize: lru,
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "dataset-invalidation"),
			Brokers: brokers,
			GroupID: getenv("KAFKA_GROUP_ID", "grid-select"),
		},
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Topic:   getenv("EVENTS_TOPIC", "selection-events"),
			Queue:   getint("EVENTS_QUEUE", 1024),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "a:9092, b:9092" into a list, dropping empties
func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
