// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
)

type Config struct {
	// DatabasePath is the SQLite datastore file, selected by WGF_DB.
	DatabasePath string
	// Passphrase unlocks column encryption when the datastore is encrypted.
	Passphrase     string
	HTTPListenAddr string
	// MetricsListenAddr serves /metrics separately from the API; empty
	// disables the standalone metrics server.
	MetricsListenAddr string
	LogLevel          string
	// AlertRulesPath points at the webhook rules YAML; empty disables
	// alerting.
	AlertRulesPath string
	// ProbePrivileged switches exit probes to raw ICMP sockets, which need
	// CAP_NET_RAW.
	ProbePrivileged bool
	// Operator is stamped into audit entries for mutations made by this
	// process.
	Operator string

	// Offsite backup bucket. Backups stay local when Bucket is empty.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:      getEnv("WGF_DB", "wireguard.db"),
		Passphrase:        getEnv("WGFLEET_PASSPHRASE", ""),
		HTTPListenAddr:    getEnv("WGFLEET_HTTP_ADDR", ":8090"),
		MetricsListenAddr: getEnv("WGFLEET_METRICS_ADDR", ""),
		LogLevel:          getEnv("WGFLEET_LOG_LEVEL", "info"),
		AlertRulesPath:    getEnv("WGFLEET_ALERTS", ""),
		ProbePrivileged:   getBool("WGFLEET_PROBE_PRIVILEGED", false),
		Operator:          getEnv("WGFLEET_OPERATOR", "local"),
		S3Endpoint:        getEnv("WGFLEET_S3_ENDPOINT", ""),
		S3Region:          getEnv("WGFLEET_S3_REGION", "us-east-1"),
		S3Bucket:          getEnv("WGFLEET_S3_BUCKET", ""),
		S3Prefix:          getEnv("WGFLEET_S3_PREFIX", "backups"),
		S3AccessKey:       getEnv("WGFLEET_S3_ACCESS_KEY", ""),
		S3SecretKey:       getEnv("WGFLEET_S3_SECRET_KEY", ""),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
