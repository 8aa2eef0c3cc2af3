package fields

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func intPtr(n int) *int { return &n }

func TestValidateRejectsPlaceholders(t *testing.T) {
	def := &models.FieldDefinition{Type: models.FieldTypeString}
	for _, raw := range []any{nil, "", "  ", "null", "undefined", "NULL"} {
		res := Validate("name", def, raw)
		assert.False(t, res.OK, "raw=%v", raw)
	}
}

func TestValidateEmailSuggestion(t *testing.T) {
	def := &models.FieldDefinition{Type: models.FieldTypeString, Format: models.FieldFormatEmail}

	res := Validate("email", def, "user@domain.con")
	assert.False(t, res.OK)
	assert.Equal(t, "user@domain.com", res.Suggestion)

	res = Validate("email", def, "someone@gmial.com")
	assert.False(t, res.OK)
	assert.Equal(t, "someone@gmail.com", res.Suggestion)

	res = Validate("email", def, "  User@Example.COM ")
	require.True(t, res.OK)
	assert.Equal(t, "user@example.com", res.Value)

	res = Validate("email", def, "not-an-email")
	assert.False(t, res.OK)
	assert.Empty(t, res.Suggestion)
}

func TestValidateTypes(t *testing.T) {
	num := &models.FieldDefinition{Type: models.FieldTypeNumber}
	res := Validate("age", num, "42")
	require.True(t, res.OK)
	assert.Equal(t, 42.0, res.Value)

	res = Validate("income", num, "1500,50")
	require.True(t, res.OK)
	assert.Equal(t, 1500.5, res.Value)

	assert.False(t, Validate("age", num, "forty").OK)

	boolean := &models.FieldDefinition{Type: models.FieldTypeBoolean}
	res = Validate("consent", boolean, "Yes")
	require.True(t, res.OK)
	assert.Equal(t, true, res.Value)
	assert.False(t, Validate("consent", boolean, "maybe").OK)
}

func TestValidateStringConstraints(t *testing.T) {
	def := &models.FieldDefinition{
		Type:      models.FieldTypeString,
		Enum:      []string{"Basic", "Premium"},
		MinLength: intPtr(3),
	}
	res := Validate("plan", def, "premium")
	require.True(t, res.OK)
	assert.Equal(t, "Premium", res.Value)
	assert.False(t, Validate("plan", def, "gold").OK)

	pattern := &models.FieldDefinition{Type: models.FieldTypeString, Pattern: `^[A-Z]{2}\d{4}$`, Format: models.FieldFormatIdentifier}
	res = Validate("code", pattern, "ab 1234")
	require.True(t, res.OK)
	assert.Equal(t, "AB1234", res.Value)

	broken := &models.FieldDefinition{Type: models.FieldTypeString, Pattern: `([`}
	assert.False(t, Validate("x", broken, "abc").OK)

	short := &models.FieldDefinition{Type: models.FieldTypeString, MaxLength: intPtr(2)}
	assert.False(t, Validate("x", short, "abc").OK)
}

func TestValidateNationalID(t *testing.T) {
	def := &models.FieldDefinition{Type: models.FieldTypeString, Format: models.FieldFormatNationalID}
	res := Validate("national_id", def, "123.456.789-09")
	require.True(t, res.OK)
	assert.Equal(t, "12345678909", res.Value)
	assert.False(t, Validate("national_id", def, "12345").OK)

	bounded := &models.FieldDefinition{Type: models.FieldTypeString, Format: models.FieldFormatNationalID, MinLength: intPtr(5), MaxLength: intPtr(6)}
	assert.True(t, Validate("national_id", bounded, "12345").OK)
}

func TestValidateIsTotal(t *testing.T) {
	def := &models.FieldDefinition{Type: "mystery"}
	res := Validate("x", def, "abc")
	assert.False(t, res.OK)
	res = Validate("x", nil, map[string]any{"weird": true})
	assert.True(t, res.OK)
}

func TestAliasGraph(t *testing.T) {
	g := NewAliasGraph(append(DefaultAliasGroups(), []string{"contact_email", "work_email"})...)
	assert.True(t, g.Same("email", "work_email"))
	assert.True(t, g.Same("email_address", "contact_email"))
	assert.False(t, g.Same("email", "phone"))
	aliases := g.Aliases("email")
	assert.Equal(t, "email", aliases[0])
	assert.ElementsMatch(t, []string{"email", "email_address", "contact_email", "work_email"}, aliases)
	assert.Equal(t, []string{"unknown"}, g.Aliases("unknown"))

	var nilGraph *AliasGraph
	assert.Equal(t, []string{"a"}, nilGraph.Aliases("a"))
}

func TestPresentAndValidUsesAliases(t *testing.T) {
	g := NewAliasGraph(DefaultAliasGroups()...)
	def := &models.FieldDefinition{Type: models.FieldTypeString, Format: models.FieldFormatEmail}

	data := models.UserData{"contact_email": "a@b.com"}
	assert.True(t, PresentAndValid(data, "email", def, g))

	data = models.UserData{"email": "a@b.con"}
	assert.False(t, PresentAndValid(data, "email", def, g))

	data = models.UserData{"email": "null"}
	assert.False(t, PresentAndValid(data, "email", def, g))
}

func TestDetectValues(t *testing.T) {
	targets := map[string]*models.FieldDefinition{
		"national_id": {Type: models.FieldTypeString, Format: models.FieldFormatNationalID},
		"email":       {Type: models.FieldTypeString, Format: models.FieldFormatEmail},
		"name":        {Type: models.FieldTypeString},
	}
	got := DetectValues("sure, my id is 123.456.789-09 and mail me at joe@example.com.", targets)
	require.Contains(t, got, "national_id")
	assert.Equal(t, "12345678909", got["national_id"].Value)
	assert.True(t, got["national_id"].Authoritative)
	assert.Equal(t, "joe@example.com", got["email"].Value)
	assert.NotContains(t, got, "name")
}

func TestDetectValuesDoesNotReadIdentifierAsPhone(t *testing.T) {
	targets := map[string]*models.FieldDefinition{
		"national_id": {Type: models.FieldTypeString, Format: models.FieldFormatNationalID},
		"phone":       {Type: models.FieldTypeString, Format: models.FieldFormatPhone},
	}
	got := DetectValues("123.456.789-09", targets)
	assert.Equal(t, "12345678909", got["national_id"].Value)
	assert.NotContains(t, got, "phone")

	got = DetectValues("id 123.456.789-09, phone +55 11 91234-5678", targets)
	assert.Equal(t, "12345678909", got["national_id"].Value)
	assert.Equal(t, "+5511912345678", got["phone"].Value)
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "12345678909", Digits("123.456.789-09"))
	assert.Equal(t, "42", Digits(42))
	assert.Empty(t, Digits(nil))
}

func TestMaskIsRuneSafe(t *testing.T) {
	assert.Equal(t, "****", Mask("ñañ"))
	assert.Equal(t, "****7ñ", Mask("1234567ñ"))
	assert.Equal(t, "****és", Mask("Ramírez-Lópezés"))
	assert.Equal(t, "****01", Mask("12345678901"))
}
