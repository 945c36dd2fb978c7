package config

import (
	"strings"

	"github.com/knadh/koanf/providers/structs"
)

// structProvider seeds koanf from a Go struct (our compiled-in defaults),
// so the same `koanf:"..."` tags drive both the default values and the
// env/file overrides layered on top.
func structProvider(cfg *Config) *structs.Structs {
	return structs.Provider(cfg, "koanf")
}

// envTransform turns TASKFLOW_MAX_ATTEMPTS into max_attempts, matching the
// struct tags above.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, "TASKFLOW_")
	return strings.ToLower(s)
}
