package fields

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// DefaultNationalIDLength is the digit count a national identifier must have when the
// field definition sets no length bounds.
const DefaultNationalIDLength = 11

var (
	emailRegex    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	nonDigitRegex = regexp.MustCompile(`\D`)
	idSeparators  = strings.NewReplacer(".", "", "-", "", "/", "", " ", "")
)

// Common top-level domain typos and their intended spelling.
var tldTypos = map[string]string{
	"con":  "com",
	"cmo":  "com",
	"comm": "com",
	"cpm":  "com",
	"vom":  "com",
	"ocm":  "com",
	"nett": "net",
	"nte":  "net",
	"ogr":  "org",
	"orgg": "org",
	"brr":  "br",
}

// Common mail provider typos and their intended domain.
var domainTypos = map[string]string{
	"gmial.com":   "gmail.com",
	"gmai.com":    "gmail.com",
	"gamil.com":   "gmail.com",
	"gnail.com":   "gmail.com",
	"hotmial.com": "hotmail.com",
	"hotmal.com":  "hotmail.com",
	"yahooo.com":  "yahoo.com",
	"yaho.com":    "yahoo.com",
	"outlok.com":  "outlook.com",
	"outloo.com":  "outlook.com",
}

func normalizeFormat(format models.FieldFormat, s string) Result {
	switch format {
	case models.FieldFormatEmail:
		return normalizeEmail(s)
	case models.FieldFormatPhone:
		return normalizePhone(s)
	case models.FieldFormatNationalID:
		return normalizeNationalID(s)
	case models.FieldFormatOTP:
		return normalizeOTP(s)
	case models.FieldFormatIdentifier:
		return ok(strings.ToUpper(strings.ReplaceAll(s, " ", "")))
	default:
		return ok(s)
	}
}

func normalizeEmail(s string) Result {
	email := strings.ToLower(strings.TrimSpace(s))
	email = strings.TrimSuffix(email, ".")
	if !emailRegex.MatchString(email) {
		return fail("email address is not valid")
	}
	if suggestion := SuggestEmail(email); suggestion != "" {
		return Result{Reason: "email address looks mistyped", Suggestion: suggestion}
	}
	return ok(email)
}

// SuggestEmail returns the likely-intended address for a near-miss email, or "" when the
// address looks fine.
func SuggestEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	local, domain := email[:at], strings.ToLower(email[at+1:])
	if fixed, found := domainTypos[domain]; found {
		return local + "@" + fixed
	}
	dot := strings.LastIndex(domain, ".")
	if dot < 0 {
		return ""
	}
	if fixed, found := tldTypos[domain[dot+1:]]; found {
		return local + "@" + domain[:dot+1] + fixed
	}
	return ""
}

func normalizePhone(s string) Result {
	plus := strings.HasPrefix(strings.TrimSpace(s), "+")
	digits := nonDigitRegex.ReplaceAllString(s, "")
	if len(digits) < 8 || len(digits) > 15 {
		return fail("phone number must have between 8 and 15 digits")
	}
	if plus {
		return ok("+" + digits)
	}
	return ok(digits)
}

func normalizeNationalID(s string) Result {
	id := idSeparators.Replace(strings.TrimSpace(s))
	if id == "" || nonDigitRegex.MatchString(id) {
		return fail("identifier must contain only digits")
	}
	return ok(id)
}

func normalizeOTP(s string) Result {
	code := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if len(code) < 4 || len(code) > 8 || nonDigitRegex.MatchString(code) {
		return fail("code must have between 4 and 8 digits")
	}
	return ok(code)
}
