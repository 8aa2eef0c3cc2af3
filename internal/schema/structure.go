package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/Jeffail/gabs/v2"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

// checkStructure walks the raw document and reports shape violations with their paths.
func checkStructure(doc *gabs.Container) []string {
	var problems []string
	report := func(path, format string, args ...any) {
		problems = append(problems, path+": "+fmt.Sprintf(format, args...))
	}

	if _, isObject := doc.Data().(map[string]any); !isObject {
		report("$", "document must be an object")
		return problems
	}

	slug, isString := doc.Path("slug").Data().(string)
	switch {
	case !isString || slug == "":
		report("slug", "required string")
	case !slugRegex.MatchString(slug):
		report("slug", "must be lowercase letters, digits, '_', '-' or '.'")
	}
	if doc.Exists("name") {
		expectString(doc.Path("name"), "name", report)
	}

	stages, isObject := doc.Path("stages").Data().(map[string]any)
	if !isObject || len(stages) == 0 {
		report("stages", "required non-empty object")
	} else {
		for _, name := range sortedKeys(doc.Path("stages").ChildrenMap()) {
			checkStage(doc.Search("stages", name), "stages."+name, report)
		}
	}

	if doc.Exists("fields") {
		if _, isObject := doc.Path("fields").Data().(map[string]any); !isObject {
			report("fields", "must be an object")
		} else {
			children := doc.Path("fields").ChildrenMap()
			for _, name := range sortedKeys(children) {
				checkField(children[name], "fields."+name, report)
			}
		}
	}

	if doc.Exists("config") {
		checkConfig(doc.Path("config"), "config", report)
	}
	return problems
}

type reporter func(path, format string, args ...any)

func checkStage(stage *gabs.Container, path string, report reporter) {
	if _, isObject := stage.Data().(map[string]any); !isObject {
		report(path, "stage must be an object")
		return
	}
	for _, key := range []string{"description", "prompt", "completionCondition"} {
		if stage.Exists(key) {
			expectString(stage.Search(key), path+"."+key, report)
		}
	}
	if stage.Exists("fieldsToCollect") {
		expectStringArray(stage.Search("fieldsToCollect"), path+".fieldsToCollect", report)
	}
	if stage.Exists("customCompletionCheck") {
		check := stage.Search("customCompletionCheck")
		if _, isObject := check.Data().(map[string]any); !isObject {
			report(path+".customCompletionCheck", "must be an object")
		} else {
			expectNonEmptyString(check.Search("condition"), path+".customCompletionCheck.condition", report)
			if check.Exists("requiredFields") {
				expectStringArray(check.Search("requiredFields"), path+".customCompletionCheck.requiredFields", report)
			}
		}
	}
	if stage.Exists("action") {
		checkAction(stage.Search("action"), path+".action", report)
	}
	if stage.Exists("nextStage") {
		checkNextStage(stage.Search("nextStage"), path+".nextStage", report)
	}
	if stage.Exists("onError") {
		checkHandler(stage.Search("onError"), path+".onError", report)
	}
	if stage.Exists("orchestration") {
		orch := stage.Search("orchestration")
		if _, isObject := orch.Data().(map[string]any); !isObject {
			report(path+".orchestration", "must be an object")
		} else if orch.Exists("silent") {
			if _, isBool := orch.Search("silent").Data().(bool); !isBool {
				report(path+".orchestration.silent", "must be a boolean")
			}
		}
	}
}

func checkAction(action *gabs.Container, path string, report reporter) {
	if _, isObject := action.Data().(map[string]any); !isObject {
		report(path, "must be an object")
		return
	}
	expectNonEmptyString(action.Search("toolName"), path+".toolName", report)
	if action.Exists("condition") {
		expectString(action.Search("condition"), path+".condition", report)
	}
	if action.Exists("payload") {
		if _, isObject := action.Search("payload").Data().(map[string]any); !isObject {
			report(path+".payload", "must be an object")
		}
	}
	if action.Exists("onErrorCode") {
		byCode := action.Search("onErrorCode")
		if _, isObject := byCode.Data().(map[string]any); !isObject {
			report(path+".onErrorCode", "must be an object")
		} else {
			children := byCode.ChildrenMap()
			for _, code := range sortedKeys(children) {
				checkHandler(children[code], path+".onErrorCode."+code, report)
			}
		}
	}
	if action.Exists("onError") {
		checkHandler(action.Search("onError"), path+".onError", report)
	}
}

func checkHandler(handler *gabs.Container, path string, report reporter) {
	if _, isObject := handler.Data().(map[string]any); !isObject {
		report(path, "must be an object")
		return
	}
	behavior, isString := handler.Search("behavior").Data().(string)
	if !isString || !models.ErrorBehavior(behavior).IsValid() {
		report(path+".behavior", "must be one of pause, newStage, continue, endFlow")
		return
	}
	if models.ErrorBehavior(behavior) == models.BehaviorNewStage {
		expectNonEmptyString(handler.Search("newStage"), path+".newStage", report)
	}
	if handler.Exists("userActionable") {
		if _, isBool := handler.Search("userActionable").Data().(bool); !isBool {
			report(path+".userActionable", "must be a boolean")
		}
	}
}

func checkNextStage(next *gabs.Container, path string, report reporter) {
	switch v := next.Data().(type) {
	case nil, string:
		return
	case map[string]any:
		if next.Exists("conditional") {
			c := next.Search("conditional")
			entries, isArray := c.Data().([]any)
			if !isArray {
				report(path+".conditional", "must be an array")
			} else {
				for i := range entries {
					entryPath := fmt.Sprintf("%s.conditional[%d]", path, i)
					entry := c.Index(i)
					if _, isObject := entry.Data().(map[string]any); !isObject {
						report(entryPath, "must be an object")
						continue
					}
					expectNonEmptyString(entry.Search("condition"), entryPath+".condition", report)
					expectNonEmptyString(entry.Search("ifTrue"), entryPath+".ifTrue", report)
					if entry.Exists("ifFalse") {
						expectString(entry.Search("ifFalse"), entryPath+".ifFalse", report)
					}
				}
			}
		}
		if next.Exists("fallback") {
			expectString(next.Search("fallback"), path+".fallback", report)
		}
	default:
		report(path, "must be a string, null or a conditional object, got %T", v)
	}
}

func checkField(field *gabs.Container, path string, report reporter) {
	if _, isObject := field.Data().(map[string]any); !isObject {
		report(path, "field must be an object")
		return
	}
	typ, _ := field.Search("type").Data().(string)
	switch models.FieldType(typ) {
	case models.FieldTypeString, models.FieldTypeNumber, models.FieldTypeBoolean:
	default:
		report(path+".type", "must be one of string, number, boolean")
	}
	if field.Exists("format") {
		format, _ := field.Search("format").Data().(string)
		switch models.FieldFormat(format) {
		case models.FieldFormatNone, models.FieldFormatEmail, models.FieldFormatPhone,
			models.FieldFormatNationalID, models.FieldFormatOTP, models.FieldFormatIdentifier:
		default:
			report(path+".format", "unknown format %q", format)
		}
	}
	if field.Exists("pattern") {
		pattern, isString := field.Search("pattern").Data().(string)
		if !isString {
			report(path+".pattern", "must be a string")
		} else if _, err := regexp.Compile(pattern); err != nil {
			report(path+".pattern", "does not compile: %v", err)
		}
	}
	if field.Exists("enum") {
		expectStringArray(field.Search("enum"), path+".enum", report)
	}
	for _, key := range []string{"minLength", "maxLength"} {
		if field.Exists(key) {
			if n, isNumber := asNumber(field.Search(key).Data()); !isNumber || n < 0 || n != float64(int(n)) {
				report(path+"."+key, "must be a non-negative integer")
			}
		}
	}
}

func checkConfig(config *gabs.Container, path string, report reporter) {
	if _, isObject := config.Data().(map[string]any); !isObject {
		report(path, "must be an object")
		return
	}
	if config.Exists("initialStage") {
		expectString(config.Search("initialStage"), path+".initialStage", report)
	}
	if config.Exists("isDefaultForNewUsers") {
		if _, isBool := config.Search("isDefaultForNewUsers").Data().(bool); !isBool {
			report(path+".isDefaultForNewUsers", "must be a boolean")
		}
	}
	if config.Exists("onUnhandledError") {
		policy, _ := config.Search("onUnhandledError").Data().(string)
		switch models.UnhandledErrorPolicy(policy) {
		case models.PolicySkip, models.PolicyKillFlow:
		default:
			report(path+".onUnhandledError", "must be skip or killFlow")
		}
	}
	if config.Exists("onComplete") {
		onComplete := config.Search("onComplete")
		expectNonEmptyString(onComplete.Search("startFlowSlug"), path+".onComplete.startFlowSlug", report)
		if onComplete.Exists("carryFields") {
			expectStringArray(onComplete.Search("carryFields"), path+".onComplete.carryFields", report)
		}
	}
	if config.Exists("fieldAliases") {
		groups, isArray := config.Search("fieldAliases").Data().([]any)
		if !isArray {
			report(path+".fieldAliases", "must be an array of string arrays")
		} else {
			for i := range groups {
				expectStringArray(config.Search("fieldAliases").Index(i), fmt.Sprintf("%s.fieldAliases[%d]", path, i), report)
			}
		}
	}
	if config.Exists("derivations") {
		derivations, isArray := config.Search("derivations").Data().([]any)
		if !isArray {
			report(path+".derivations", "must be an array")
		} else {
			for i := range derivations {
				d := config.Search("derivations").Index(i)
				dPath := fmt.Sprintf("%s.derivations[%d]", path, i)
				expectNonEmptyString(d.Search("field"), dPath+".field", report)
				expectNonEmptyString(d.Search("expression"), dPath+".expression", report)
			}
		}
	}
	if config.Exists("globalMemoryFields") {
		expectStringArray(config.Search("globalMemoryFields"), path+".globalMemoryFields", report)
	}
}

func expectString(c *gabs.Container, path string, report reporter) {
	if _, isString := c.Data().(string); !isString {
		report(path, "must be a string")
	}
}

func expectNonEmptyString(c *gabs.Container, path string, report reporter) {
	if s, isString := c.Data().(string); !isString || s == "" {
		report(path, "required non-empty string")
	}
}

func expectStringArray(c *gabs.Container, path string, report reporter) {
	items, isArray := c.Data().([]any)
	if !isArray {
		report(path, "must be an array of strings")
		return
	}
	for i, item := range items {
		if _, isString := item.(string); !isString {
			report(fmt.Sprintf("%s[%d]", path, i), "must be a string")
		}
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]*gabs.Container) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
