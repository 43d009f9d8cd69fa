// Package app provides application-layer services shared by the CLI and
// daemon. It wires domain logic with infrastructure, never the reverse.
package app

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kiln-media/kiln/internal/domain"
)

// Manifest is a TOML batch description for `kiln batch submit -f`.
//
//	prompts = [
//	    "a slow pan over dunes at dusk",
//	    "rain on a tin roof, macro",
//	]
//	priority = "high"
//	max_concurrent = 2
//	webhook_url = "https://example.com/hooks/kiln"
//
//	[options]
//	duration_sec = 4
//	resolution = "720p"
//	fps = 24
//
// Prompt content is not validated here; a prompt the daemon rejects fails
// its member task without sinking the rest of the batch. Unknown keys are
// ignored for forward compatibility.
type Manifest struct {
	Prompts       []string        `toml:"prompts"`
	Priority      string          `toml:"priority"`
	MaxConcurrent int             `toml:"max_concurrent"`
	WebhookURL    string          `toml:"webhook_url"`
	Options       ManifestOptions `toml:"options"`
}

// ManifestOptions mirrors domain.GenOptions with TOML naming.
type ManifestOptions struct {
	DurationSec int    `toml:"duration_sec"`
	Resolution  string `toml:"resolution"`
	FPS         int    `toml:"fps"`
	CacheBypass bool   `toml:"cache_bypass"`
}

// ParseManifest parses and validates a batch manifest from a reader.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if _, err := toml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest parses and validates a batch manifest file.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// GenOptions converts the manifest options to the domain type.
func (m *Manifest) GenOptions() domain.GenOptions {
	return domain.GenOptions{
		DurationSec: m.Options.DurationSec,
		Resolution:  m.Options.Resolution,
		FPS:         m.Options.FPS,
		CacheBypass: m.Options.CacheBypass,
	}
}

// validate enforces the structural contract the daemon would reject the
// whole batch over: shared options, priority, concurrency, webhook URL.
func (m *Manifest) validate() error {
	if len(m.Prompts) == 0 {
		return fmt.Errorf("%w: manifest has no prompts", domain.ErrValidation)
	}
	if err := m.GenOptions().Validate(); err != nil {
		return err
	}
	if p := strings.ToLower(strings.TrimSpace(m.Priority)); p != "" {
		switch domain.Priority(p) {
		case domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow:
		default:
			return fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, m.Priority)
		}
	}
	if m.MaxConcurrent < 0 {
		return fmt.Errorf("%w: max_concurrent must be >= 0", domain.ErrValidation)
	}
	if m.WebhookURL != "" {
		u, err := url.Parse(m.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: webhook_url must be an http(s) URL", domain.ErrValidation)
		}
	}
	return nil
}
