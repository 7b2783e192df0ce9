package config

import (
	"encoding/json"
	"hash/fnv"
)

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	return hashJSON(cfg)
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashJSON hashes the JSON encoding of v. Map keys are encoded sorted.
func hashJSON(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
