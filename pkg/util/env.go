package util

import (
	"os"
	"strings"
)

// GetEnvOrDefault returns the environment variable value if set, otherwise the default value
func GetEnvOrDefault(env, def string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return def
}

// GetEnvList splits a comma-separated variable such as
// DEVCALL_KAFKA_BROKERS="k1:9092, k2:9092". Blank entries are skipped and def
// is returned when nothing remains.
func GetEnvList(env string, def ...string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(env), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
