// Package fields validates and normalizes collected field values.
//
// Validate is pure and total: it never panics and never performs I/O. Invalid input
// yields a failed Result that may carry a human-readable suggestion.
package fields

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Result is the outcome of validating one raw value.
type Result struct {
	OK         bool
	Value      any
	Reason     string
	Suggestion string
}

func ok(v any) Result { return Result{OK: true, Value: v} }

func fail(reason string) Result { return Result{Reason: reason} }

var patternCache sync.Map // pattern string -> *regexp.Regexp or error

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, found := patternCache.Load(pattern); found {
		switch v := cached.(type) {
		case *regexp.Regexp:
			return v, nil
		case error:
			return nil, v
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		patternCache.Store(pattern, err)
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// Validate checks raw against def and returns the normalized value.
// A nil definition accepts any present value as a trimmed string.
func Validate(slug string, def *models.FieldDefinition, raw any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Sprintf("%s could not be validated", slug))
		}
	}()

	if !IsPresent(raw) {
		return fail(fmt.Sprintf("%s is empty", slug))
	}
	if def == nil {
		return ok(strings.TrimSpace(toString(raw)))
	}

	switch def.Type {
	case models.FieldTypeNumber:
		return validateNumber(slug, raw)
	case models.FieldTypeBoolean:
		return validateBoolean(slug, raw)
	case models.FieldTypeString, "":
		return validateString(slug, def, raw)
	default:
		return fail(fmt.Sprintf("%s has unsupported type %q", slug, def.Type))
	}
}

func validateNumber(slug string, raw any) Result {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fail(fmt.Sprintf("%s is not a number", slug))
		}
		return ok(v)
	case float32:
		return ok(float64(v))
	case int:
		return ok(float64(v))
	case int64:
		return ok(float64(v))
	case bool:
		return fail(fmt.Sprintf("%s is not a number", slug))
	}
	s := strings.TrimSpace(toString(raw))
	s = strings.ReplaceAll(s, " ", "")
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fail(fmt.Sprintf("%s is not a number", slug))
	}
	return ok(f)
}

var (
	trueWords  = map[string]struct{}{"true": {}, "yes": {}, "y": {}, "1": {}, "on": {}, "sim": {}, "si": {}, "ok": {}}
	falseWords = map[string]struct{}{"false": {}, "no": {}, "n": {}, "0": {}, "off": {}, "nao": {}, "não": {}}
)

func validateBoolean(slug string, raw any) Result {
	switch v := raw.(type) {
	case bool:
		return ok(v)
	case float64:
		if v == 1 {
			return ok(true)
		}
		if v == 0 {
			return ok(false)
		}
	}
	s := strings.ToLower(strings.TrimSpace(toString(raw)))
	if _, found := trueWords[s]; found {
		return ok(true)
	}
	if _, found := falseWords[s]; found {
		return ok(false)
	}
	return fail(fmt.Sprintf("%s must be yes or no", slug))
}

func validateString(slug string, def *models.FieldDefinition, raw any) Result {
	s := strings.TrimSpace(toString(raw))
	if s == "" {
		return fail(fmt.Sprintf("%s is empty", slug))
	}

	if len(def.Enum) > 0 {
		matched := ""
		for _, option := range def.Enum {
			if strings.EqualFold(option, s) {
				matched = option
				break
			}
		}
		if matched == "" {
			return fail(fmt.Sprintf("%s must be one of: %s", slug, strings.Join(def.Enum, ", ")))
		}
		s = matched
	}

	normalized := normalizeFormat(def.Format, s)
	if !normalized.OK {
		if normalized.Reason == "" {
			normalized.Reason = fmt.Sprintf("%s is not valid", slug)
		}
		return normalized
	}
	s = normalized.Value.(string)

	if def.Pattern != "" {
		re, err := compilePattern(def.Pattern)
		if err != nil {
			return fail(fmt.Sprintf("%s has an invalid pattern", slug))
		}
		if !re.MatchString(s) {
			return Result{Reason: fmt.Sprintf("%s has an invalid format", slug), Suggestion: normalized.Suggestion}
		}
	}

	n := utf8.RuneCountInString(s)
	if def.Format == models.FieldFormatNationalID && def.MinLength == nil && def.MaxLength == nil && n != DefaultNationalIDLength {
		return fail(fmt.Sprintf("%s must have %d digits", slug, DefaultNationalIDLength))
	}
	if def.MinLength != nil && n < *def.MinLength {
		return fail(fmt.Sprintf("%s must have at least %d characters", slug, *def.MinLength))
	}
	if def.MaxLength != nil && n > *def.MaxLength {
		return fail(fmt.Sprintf("%s must have at most %d characters", slug, *def.MaxLength))
	}
	return ok(s)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
