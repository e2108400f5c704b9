package webhook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/sluice/internal/config"
)

// FromGlobalConfig converts the service config's webhooks section.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}
	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}
	for i, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}
		format, err := parseFormat(ep.Format)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: %w", ep.Path, err)
		}
		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}
		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Format:          format,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     maxBodySize,
		}
	}
	return cfg, nil
}

func parseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatDescriptor:
		return FormatDescriptor, nil
	case FormatGitHub:
		return FormatGitHub, nil
	}
	return "", fmt.Errorf("unknown format %q (want descriptor or github)", raw)
}

// parseMaxBodySize parses "1MB", "512KB" or a byte count. Empty means
// DefaultMaxBodySize.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}
	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if value > (1<<62)/multiplier {
		return 0, fmt.Errorf("size too large")
	}
	return value * multiplier, nil
}
