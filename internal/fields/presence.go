package fields

import (
	"math"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Literal strings an extraction step emits when it has nothing to say.
var placeholderSentinels = map[string]struct{}{
	"null":            {},
	"undefined":       {},
	"nil":             {},
	"<nil>":           {},
	"nan":             {},
	"[object object]": {},
}

// IsPlaceholder reports whether s is a known placeholder sentinel.
func IsPlaceholder(s string) bool {
	_, found := placeholderSentinels[strings.ToLower(strings.TrimSpace(s))]
	return found
}

// IsPresent reports whether v counts as a supplied value: non-nil, non-empty and not a
// placeholder sentinel.
func IsPresent(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		s := strings.TrimSpace(t)
		return s != "" && !IsPlaceholder(s)
	case float64:
		return !math.IsNaN(t)
	default:
		return true
	}
}

// PresentAndValid reports whether data holds a present value for slug, or for any alias of
// slug, that passes the definition's validator.
func PresentAndValid(data models.UserData, slug string, def *models.FieldDefinition, aliases *AliasGraph) bool {
	for _, key := range aliases.Aliases(slug) {
		v, found := data[key]
		if !found || !IsPresent(v) {
			continue
		}
		if Validate(slug, def, v).OK {
			return true
		}
	}
	return false
}

// FilterPresent drops empty and placeholder values.
func FilterPresent(data models.UserData) models.UserData {
	out := make(models.UserData, len(data))
	for k, v := range data {
		if IsPresent(v) {
			out[k] = v
		}
	}
	return out
}

// Mask hides a sensitive value, keeping at most its last two characters.
func Mask(v any) any {
	if !IsPresent(v) {
		return v
	}
	r := []rune(toString(v))
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-2:])
}
