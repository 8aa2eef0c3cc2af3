package fields

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

var (
	emailFindRegex = regexp.MustCompile(`[^\s@,;<>()]+@[^\s@,;<>()]+\.[A-Za-z]{2,}`)
	phoneFindRegex = regexp.MustCompile(`\+?\(?\d[\d\s().-]{7,18}\d`)
	digitRunRegex  = regexp.MustCompile(`\d[\d.\-/ ]*\d`)
)

// Detection is a value recognized deterministically in free text.
type Detection struct {
	Value any
	// Authoritative detections may override an extracted value.
	Authoritative bool
}

// DetectValues recognizes high-value, easily-recognized patterns in message for the given
// target fields. It only looks at fields whose definition declares a recognizable format.
func DetectValues(message string, targets map[string]*models.FieldDefinition) map[string]Detection {
	out := make(map[string]Detection)
	for slug, def := range targets {
		if def == nil {
			continue
		}
		switch def.Format {
		case models.FieldFormatEmail:
			if m := emailFindRegex.FindString(message); m != "" {
				out[slug] = Detection{Value: strings.TrimRight(m, ".")}
			}
		case models.FieldFormatNationalID:
			if id := findDigitRun(message, nationalIDLengths(def)); id != "" {
				out[slug] = Detection{Value: id, Authoritative: true}
			}
		case models.FieldFormatOTP:
			if code := findDigitRun(message, func(n int) bool { return n >= 4 && n <= 8 }); code != "" {
				out[slug] = Detection{Value: code}
			}
		}
	}

	// Phones run last: a digit run already read as an identifier or code is not a phone.
	claimed := make(map[string]bool)
	for _, d := range out {
		if digits := Digits(d.Value); digits != "" {
			claimed[digits] = true
		}
	}
	for slug, def := range targets {
		if def == nil || def.Format != models.FieldFormatPhone {
			continue
		}
		for _, m := range phoneFindRegex.FindAllString(message, -1) {
			digits := Digits(m)
			if len(digits) < 10 || claimed[digits] {
				continue
			}
			if r := normalizePhone(m); r.OK {
				out[slug] = Detection{Value: r.Value}
				break
			}
		}
	}
	return out
}

// Digits returns the decimal digits of v's string form.
func Digits(v any) string {
	if v == nil {
		return ""
	}
	return nonDigitRegex.ReplaceAllString(toString(v), "")
}

func nationalIDLengths(def *models.FieldDefinition) func(int) bool {
	if def.MinLength == nil && def.MaxLength == nil {
		return func(n int) bool { return n == DefaultNationalIDLength }
	}
	return func(n int) bool {
		if def.MinLength != nil && n < *def.MinLength {
			return false
		}
		if def.MaxLength != nil && n > *def.MaxLength {
			return false
		}
		return true
	}
}

// findDigitRun returns the first run of digits (allowing common separators) whose digit
// count satisfies accept.
func findDigitRun(message string, accept func(int) bool) string {
	for _, m := range digitRunRegex.FindAllString(message, -1) {
		digits := nonDigitRegex.ReplaceAllString(m, "")
		if accept(len(digits)) {
			return digits
		}
	}
	return ""
}
