package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ─── Validation Contract ────────────────────────────────────────────────────

const (
	MaxPromptLen   = 2000 // code points, measured after trimming
	MinDurationSec = 1
	MaxDurationSec = 60
	MinFPS         = 12
	MaxFPS         = 60
	DefaultFPS     = 24
)

// GenOptions are the caller-declared generation parameters shared by a task
// or by every member of a batch.
type GenOptions struct {
	DurationSec int    `json:"duration_sec"`
	Resolution  string `json:"resolution"`
	FPS         int    `json:"fps,omitempty"`
	CacheBypass bool   `json:"cache_bypass,omitempty"`
}

// resolution holds the pixel dimensions and the relative generation cost of
// each supported output size.
type resolution struct {
	width, height int
	etaFactor     float64
}

var resolutions = map[string]resolution{
	"480p":  {854, 480, 0.5},
	"720p":  {1280, 720, 1},
	"1080p": {1920, 1080, 2},
	"1440p": {2560, 1440, 4},
	"4k":    {3840, 2160, 8},
	"8k":    {7680, 4320, 16},
}

// Resolutions returns the supported resolution names.
func Resolutions() []string {
	return []string{"480p", "720p", "1080p", "1440p", "4k", "8k"}
}

// ValidatePrompt enforces the submission contract: non-empty after trimming,
// at most MaxPromptLen code points.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return fmt.Errorf("%w: prompt is empty", ErrValidation)
	}
	if utf8.RuneCountInString(trimmed) > MaxPromptLen {
		return fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, MaxPromptLen)
	}
	return nil
}

// Validate checks the option set. Resolution matching is case-insensitive.
func (o GenOptions) Validate() error {
	if o.DurationSec < MinDurationSec || o.DurationSec > MaxDurationSec {
		return fmt.Errorf("%w: duration %ds outside [%d,%d]",
			ErrValidation, o.DurationSec, MinDurationSec, MaxDurationSec)
	}
	if _, ok := resolutions[strings.ToLower(o.Resolution)]; !ok {
		return fmt.Errorf("%w: unknown resolution %q (supported: %s)",
			ErrValidation, o.Resolution, strings.Join(Resolutions(), ", "))
	}
	if o.FPS != 0 && (o.FPS < MinFPS || o.FPS > MaxFPS) {
		return fmt.Errorf("%w: fps %d outside [%d,%d]", ErrValidation, o.FPS, MinFPS, MaxFPS)
	}
	return nil
}

// Dimensions returns the pixel width and height for the resolution
// (zero values when the resolution is unknown).
func (o GenOptions) Dimensions() (int, int) {
	r := resolutions[strings.ToLower(o.Resolution)]
	return r.width, r.height
}

// EffectiveFPS applies the default frame rate when the caller left it unset.
func (o GenOptions) EffectiveFPS() int {
	if o.FPS == 0 {
		return DefaultFPS
	}
	return o.FPS
}

// Frames returns the total frame count of the clip.
func (o GenOptions) Frames() int {
	return o.DurationSec * o.EffectiveFPS()
}

// ─── Resource & Time Estimates ──────────────────────────────────────────────

// EstimateVRAMMB returns the admission cost assumed when the caller does not
// declare one: roughly 100 MB per million pixels per frame.
func (o GenOptions) EstimateVRAMMB() int64 {
	w, h := o.Dimensions()
	mb := int64(w) * int64(h) * 100 / 1_000_000
	if mb < 1 {
		mb = 1
	}
	return mb
}

// baseGenSeconds is the observed wall time for a 4-second 720p clip.
const baseGenSeconds = 60.0

// EstimateETA returns the expected generation wall time for the options.
func (o GenOptions) EstimateETA() time.Duration {
	r := resolutions[strings.ToLower(o.Resolution)]
	secs := baseGenSeconds * (float64(o.DurationSec) / 4.0) * r.etaFactor
	return time.Duration(secs * float64(time.Second))
}

// ─── Fingerprint ────────────────────────────────────────────────────────────

// ComputeFingerprint derives the similarity-cache key: the prompt lower-cased
// and whitespace-collapsed, joined with the generation parameters, hashed.
// Near-duplicate submissions (same words, different spacing/casing) share
// a fingerprint; any parameter change yields a new one.
func ComputeFingerprint(prompt string, o GenOptions) string {
	norm := strings.ToLower(strings.Join(strings.Fields(prompt), " "))
	key := fmt.Sprintf("%s|%ds|%s|%dfps",
		norm, o.DurationSec, strings.ToLower(o.Resolution), o.EffectiveFPS())
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
