package tools

import (
	"context"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// HandoffConfig names a fixed cross-flow target.
type HandoffConfig struct {
	Flow  string `json:"flow" validate:"required"`
	Stage string `json:"stage"`
}

// NewHandoffTool returns a tool that always hands the session off to cfg's target.
func NewHandoffTool(cfg HandoffConfig) Tool {
	return Func(func(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
		data := map[string]any{models.DataKeyTargetFlowSlug: cfg.Flow}
		if cfg.Stage != "" {
			data[models.DataKeyTargetStage] = cfg.Stage
		}
		return models.ToolResult{Success: true, Data: data}, nil
	})
}

// SetConfig lists static values to save into user data.
type SetConfig struct {
	Values map[string]any `json:"values" validate:"required,min=1"`
}

// NewSetTool returns a tool that saves cfg.Values.
func NewSetTool(cfg SetConfig) Tool {
	return Func(func(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
		save := make(map[string]any, len(cfg.Values))
		for k, v := range cfg.Values {
			save[k] = v
		}
		return models.ToolResult{Success: true, SaveResults: save}, nil
	})
}
