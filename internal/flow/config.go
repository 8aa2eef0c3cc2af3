package flow

import (
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/util"
)

// Config tunes the router and engine. Zero values are replaced by the defaults below.
type Config struct {
	// ActionFailureWindow bounds how long a failed action is remembered for loop prevention.
	ActionFailureWindow time.Duration `json:"action_failure_window" default:"30m" validate:"gt=0"`
	// InvalidMarkerWindow bounds how long an invalid-field explanation stays visible.
	InvalidMarkerWindow time.Duration `json:"invalid_marker_window" default:"30m" validate:"gt=0"`
	// MaxSteps caps stage evaluations per turn.
	MaxSteps int `json:"max_steps" default:"25" validate:"min=1,max=1000"`
	// MaxSilentWalk caps how far the engine walks through silent stages.
	MaxSilentWalk int `json:"max_silent_walk" default:"10" validate:"min=1,max=100"`
	// CanonicalDefaultFlow is preferred when several flows claim to be the default.
	CanonicalDefaultFlow string `json:"canonical_default_flow" default:"onboarding" validate:"required"`
	// GlobalMemoryFields are extracted in every stage and carried across flows.
	GlobalMemoryFields []string `json:"global_memory_fields" default:"[\"email\",\"phone\",\"national_id\",\"full_name\"]"`
	// RetryPhrases mark a message as an explicit retry request.
	RetryPhrases []string `json:"retry_phrases" default:"[\"retry\",\"try again\",\"tentar novamente\"]"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	// Defaults always validate.
	_ = util.PrepareConfig(&cfg)
	return cfg
}

// Prepare fills defaults and validates cfg.
func (c *Config) Prepare() error {
	return util.PrepareConfig(c)
}

// IsRetry reports whether text asks to retry a failed step.
func (c Config) IsRetry(text string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	normalized = strings.Trim(normalized, ".!? ")
	if normalized == "" {
		return false
	}
	words := strings.Fields(normalized)
	for _, phrase := range c.RetryPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if strings.Contains(phrase, " ") {
			if strings.Contains(normalized, phrase) {
				return true
			}
			continue
		}
		for _, w := range words {
			if strings.Trim(w, ".,!?") == phrase {
				return true
			}
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
