package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/eugener/htrules/internal/render"
)

// AdminKeyPrefix is prepended to generated admin keys.
const AdminKeyPrefix = "htr_"

// Regenerator rewrites every tracked rule file.
type Regenerator interface {
	RegenerateAll(ctx context.Context) (int, error)
}

// Bootstrap checks the configured template before the service starts and,
// when generator.regenerate_on_start is set, rewrites all tracked rule files
// so they reflect the current template and settings.
func Bootstrap(ctx context.Context, cfg *Config, r Regenerator) error {
	src, err := render.Resolve(cfg.Generator.HtaccessTemplateName)
	if err != nil {
		return err
	}
	if _, err := render.Parse(src); err != nil {
		return err
	}
	slog.Info("template ready", "name", src.Name)

	if !cfg.Generator.RegenerateOnStart {
		return nil
	}
	n, err := r.RegenerateAll(ctx)
	if err != nil {
		return fmt.Errorf("regenerate on start: %w", err)
	}
	slog.Info("regenerated rule files", "count", n)
	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return AdminKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
