// Package config handles service configuration
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr string
	DBPath   string
	AudioDir string

	SampleRate int
	Channels   int

	// Provider selection
	PreferOnDevice bool
	OnDeviceAddr   string // local inference daemon base URL
	CloudAPIBase   string
	CloudModel     string
	StreamAPIBase  string
	StreamModel    string
	DefaultLocale  string

	// Pipeline cadence
	QuestionWordThreshold int
	ChunkPeriod           time.Duration
	DrainGrace            time.Duration
	SummaryDeadline       time.Duration
}

func Load() *Config {
	return &Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8000"),
		DBPath:                getEnv("DB_PATH", "meetcap.sqlite"),
		AudioDir:              getEnv("AUDIO_DIR", "recordings"),
		SampleRate:            getEnvInt("SAMPLE_RATE", 16000),
		Channels:              getEnvInt("CHANNELS", 1),
		PreferOnDevice:        getEnvBool("PREFER_ON_DEVICE", false),
		OnDeviceAddr:          getEnv("ON_DEVICE_ADDR", "http://localhost:8757"),
		CloudAPIBase:          getEnv("CLOUD_API_BASE", "https://api.openai.com/v1"),
		CloudModel:            getEnv("CLOUD_MODEL", "gpt-4o-mini"),
		StreamAPIBase:         getEnv("STREAM_API_BASE", "https://api.deepgram.com/v1"),
		StreamModel:           getEnv("STREAM_MODEL", "nova-2"),
		DefaultLocale:         getEnv("DEFAULT_LOCALE", "en-US"),
		QuestionWordThreshold: getEnvInt("QUESTION_WORD_THRESHOLD", 50),
		ChunkPeriod:           getEnvDuration("CHUNK_PERIOD", 12*time.Second),
		DrainGrace:            getEnvDuration("DRAIN_GRACE", 5*time.Second),
		SummaryDeadline:       getEnvDuration("SUMMARY_DEADLINE", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
