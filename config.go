package main

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	ModelDir        string
	ModelName       string
	HTTPAddr        string
	Workers         int
	ORTLibPath      string
	ORTThreads      int
	ConfThreshold   float64
	IoUThreshold    float64
	MaxDet          int
	MaxRequestBytes int64
	LogLevel        string
	Debug           bool
}

// LoadConfig reads the environment, after loading .env if one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()

	workers := envOrInt("WORKERS", DefaultPoolSize)
	if workers < 1 {
		workers = 1
	}
	threads := runtime.NumCPU() / workers
	if threads < 1 {
		threads = 1
	}

	return &Config{
		ModelDir:        getEnv("MODEL_DIR", "./model_store/yolo"),
		ModelName:       os.Getenv("MODEL_NAME"),
		HTTPAddr:        getEnv("HTTP_ADDR", "127.0.0.1:8080"),
		Workers:         workers,
		ORTLibPath:      os.Getenv("ORT_LIB_PATH"),
		ORTThreads:      envOrInt("ORT_THREADS", threads),
		ConfThreshold:   envOrFloat("CONF_THRESHOLD", 0.25),
		IoUThreshold:    envOrFloat("IOU_THRESHOLD", 0.7),
		MaxDet:          envOrInt("MAX_DET", 300),
		MaxRequestBytes: int64(envOrInt("MAX_REQUEST_MB", 10)) << 20,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Debug:           strings.EqualFold(os.Getenv("DEBUG"), "true"),
	}
}

func setupLogging(cfg *Config) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
