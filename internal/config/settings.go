package config

import (
	"fmt"
	"strconv"
	"strings"

	htrules "github.com/eugener/htrules/internal"
)

// Settings is a read-only key/value view of generator configuration.
// It is safe for concurrent use.
type Settings struct {
	values map[string]string
}

// NewSettings copies values into a new Settings.
func NewSettings(values map[string]string) *Settings {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Settings{values: m}
}

// Get returns the raw value stored under key.
func (s *Settings) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// IsBool reports whether key holds a true value ("1", "true", "on", "yes").
// Missing or unrecognized values are false.
func (s *Settings) IsBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(s.values[key])) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// Int parses key as a base-10 integer. Missing or blank values are 0.
func (s *Settings) Int(key string) (int, error) {
	v := strings.TrimSpace(s.values[key])
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", htrules.ErrConfiguration, key, v)
	}
	return n, nil
}

// ValidHeaders returns the headers of all whose names appear in the
// comma-separated allowlist under allowlistKey, in all's order.
// Names compare case-insensitively.
func (s *Settings) ValidHeaders(all htrules.HeaderSet, allowlistKey string) htrules.HeaderSet {
	allowed := make(map[string]struct{})
	for name := range strings.SplitSeq(s.values[allowlistKey], ",") {
		if name = strings.TrimSpace(name); name != "" {
			allowed[strings.ToLower(name)] = struct{}{}
		}
	}

	out := make(htrules.HeaderSet, 0, len(all))
	for _, h := range all {
		if _, ok := allowed[strings.ToLower(h.Name)]; ok {
			out = append(out, h)
		}
	}
	return out
}
