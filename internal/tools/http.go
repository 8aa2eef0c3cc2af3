package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// HTTPConfig configures an upstream lookup tool. Placeholders of the form {field} in URL
// and Query are replaced with payload values.
type HTTPConfig struct {
	URL        string            `json:"url" validate:"required"`
	Method     string            `json:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query"`
	Timeout    time.Duration     `json:"timeout" default:"10s" validate:"gte=1ms"`
	MaxRetries int               `json:"maxRetries" validate:"gte=0,lte=10"`
	RetryWait  time.Duration     `json:"retryWait" default:"200ms"`

	// Results maps user data keys to gjson paths in the response body.
	Results map[string]string `json:"results"`
	// Data maps result data keys (e.g. targetFlowSlug) to gjson paths.
	Data map[string]string `json:"data"`
	// SuccessPath, when set, must resolve to true for the call to succeed.
	SuccessPath      string `json:"successPath"`
	ErrorCodePath    string `json:"errorCodePath"`
	ErrorMessagePath string `json:"errorMessagePath"`
	// UserActionableStatus lists status codes that signal a business rule rejection.
	UserActionableStatus []int `json:"userActionableStatus"`
}

// HTTPTool calls an upstream JSON API.
type HTTPTool struct {
	cfg    HTTPConfig
	client *resty.Client
}

// NewHTTPTool creates an HTTPTool. cfg is expected to be prepared already.
func NewHTTPTool(cfg HTTPConfig) *HTTPTool {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		})
	return &HTTPTool{cfg: cfg, client: client}
}

var placeholderRegex = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

func expand(template string, payload map[string]any, escape func(string) string) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(m string) string {
		v, found := payload[m[1:len(m)-1]]
		if !found || v == nil {
			return ""
		}
		return escape(fmt.Sprint(v))
	})
}

// Execute performs the request and maps the response into a ToolResult.
func (t *HTTPTool) Execute(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
	target := expand(t.cfg.URL, payload, url.PathEscape)
	query := make(map[string]string, len(t.cfg.Query))
	for k, v := range t.cfg.Query {
		query[k] = expand(v, payload, func(s string) string { return s })
	}

	req := t.client.R().
		SetContext(ctx).
		SetHeaders(t.cfg.Headers).
		SetHeader("X-Conversation-ID", tc.ConversationID).
		SetQueryParams(query)
	if t.cfg.Method != http.MethodGet && t.cfg.Method != http.MethodDelete {
		req.SetBody(payload)
	}

	resp, err := req.Execute(t.cfg.Method, target)
	if err != nil {
		return models.Failure(models.ToolErrorUpstream, fmt.Sprintf("request failed: %v", err)), nil
	}

	body := gjson.ParseBytes(resp.Body())
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return models.Failure(models.ToolErrorNotFoundData, t.message(body, "record not found")), nil
	case slices.Contains(t.cfg.UserActionableStatus, resp.StatusCode()):
		return t.rejection(body, "REJECTED"), nil
	case resp.IsError():
		return models.Failure(models.ToolErrorUpstream, fmt.Sprintf("upstream returned %s", resp.Status())), nil
	}

	if t.cfg.SuccessPath != "" && !body.Get(t.cfg.SuccessPath).Bool() {
		return t.rejection(body, "REJECTED"), nil
	}

	result := models.ToolResult{Success: true}
	if len(t.cfg.Results) > 0 {
		result.SaveResults = make(map[string]any, len(t.cfg.Results))
		for key, path := range t.cfg.Results {
			if v := body.Get(path); v.Exists() {
				result.SaveResults[key] = v.Value()
			}
		}
	}
	if len(t.cfg.Data) > 0 {
		result.Data = make(map[string]any, len(t.cfg.Data))
		for key, path := range t.cfg.Data {
			if v := body.Get(path); v.Exists() && v.Type != gjson.Null {
				result.Data[key] = v.Value()
			}
		}
	}
	return result, nil
}

func (t *HTTPTool) rejection(body gjson.Result, defaultCode string) models.ToolResult {
	code := defaultCode
	if t.cfg.ErrorCodePath != "" {
		if v := body.Get(t.cfg.ErrorCodePath); v.Exists() && v.String() != "" {
			code = v.String()
		}
	}
	actionable := true
	res := models.Failure(code, t.message(body, "request was rejected"))
	res.UserActionable = &actionable
	return res
}

func (t *HTTPTool) message(body gjson.Result, fallback string) string {
	if t.cfg.ErrorMessagePath != "" {
		if v := body.Get(t.cfg.ErrorMessagePath); v.Exists() && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
	}
	return fallback
}
