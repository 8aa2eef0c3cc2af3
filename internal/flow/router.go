package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/fields"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
)

// Turn is one inbound message as seen by the router.
type Turn struct {
	UserID         string
	ConversationID string
	Message        string
	// RetryRequested bypasses loop prevention for failed action-only stages.
	RetryRequested  bool
	TemplateContext map[string]any
}

// Resolution is the flow and stage a turn starts in, with the values extracted from it.
type Resolution struct {
	Flow       *schema.Flow
	Session    *models.UserFlowState
	Collected  models.UserData
	NewSession bool
}

// RouterOpts configures a Router.
type RouterOpts struct {
	Extractor  Extractor
	Classifier Classifier
	Evaluator  *expression.Evaluator
	Config     Config
	Clock      func() time.Time
}

// RouterOption is a functional option for configuring a Router.
type RouterOption func(*RouterOpts)

// WithExtractor sets the field extractor.
func WithExtractor(e Extractor) RouterOption {
	return func(o *RouterOpts) { o.Extractor = e }
}

// WithClassifier sets the flow classifier used when no default flow exists.
func WithClassifier(c Classifier) RouterOption {
	return func(o *RouterOpts) { o.Classifier = c }
}

// WithEvaluator shares an expression evaluator.
func WithEvaluator(ev *expression.Evaluator) RouterOption {
	return func(o *RouterOpts) { o.Evaluator = ev }
}

// WithConfig sets the router configuration.
func WithConfig(cfg Config) RouterOption {
	return func(o *RouterOpts) { o.Config = cfg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RouterOption {
	return func(o *RouterOpts) { o.Clock = now }
}

// Router decides which flow and stage a user is in and drives the state machine forward.
type Router struct {
	catalog *schema.Catalog
	state   StateManager
	tools   ToolExecutor
	opts    RouterOpts
}

// NewRouter creates a Router. Unset options fall back to a heuristic extractor, a fresh
// evaluator and the default Config.
func NewRouter(catalog *schema.Catalog, state StateManager, tools ToolExecutor, opts ...RouterOption) (*Router, error) {
	r := &Router{catalog: catalog, state: state, tools: tools}
	for _, opt := range opts {
		opt(&r.opts)
	}
	if err := r.opts.Config.Prepare(); err != nil {
		return nil, fmt.Errorf("router config: %w", err)
	}
	if r.opts.Extractor == nil {
		r.opts.Extractor = HeuristicExtractor{}
	}
	if r.opts.Evaluator == nil {
		r.opts.Evaluator = expression.NewEvaluator()
	}
	if r.opts.Clock == nil {
		r.opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// Config returns the prepared configuration.
func (r *Router) Config() Config { return r.opts.Config }

// DetermineFlowAndCollectData loads or creates the user's session and extracts the field
// values the current stage may use from the message.
func (r *Router) DetermineFlowAndCollectData(ctx context.Context, turn Turn) (*Resolution, error) {
	session, err := r.state.GetSession(ctx, turn.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var flow *schema.Flow
	if session != nil {
		flow, err = r.catalog.Get(ctx, session.FlowID)
		switch {
		case errors.Is(err, models.ErrFlowNotFound):
			slog.Error("Router.DetermineFlowAndCollectData: session references unknown flow, starting over", "userID", turn.UserID, "flowID", session.FlowID)
			if err := r.state.EndSession(ctx, turn.UserID, "", false); err != nil {
				return nil, err
			}
			session = nil
		case err != nil:
			return nil, err
		default:
			if _, ok := flow.Stage(session.Stage); !ok {
				slog.Error("Router.DetermineFlowAndCollectData: session stage not in flow, resetting to initial stage", "userID", turn.UserID, "flowID", flow.Slug, "stage", session.Stage)
				session.Stage = flow.InitialStage()
				if err := r.state.SetStage(ctx, turn.UserID, flow.Slug, session.Stage); err != nil {
					return nil, err
				}
			}
		}
	}

	newSession := false
	if session == nil {
		flow, err = r.selectFlow(ctx, turn.Message)
		if err != nil {
			return nil, err
		}
		session, err = r.state.StartSession(ctx, turn.UserID, flow.Slug, flow.InitialStage())
		if err != nil {
			return nil, err
		}
		newSession = true
	}

	collected := r.collect(ctx, turn, flow, session.Stage, newSession)
	slog.Debug("Router.DetermineFlowAndCollectData", "userID", turn.UserID, "flowID", flow.Slug, "stage", session.Stage, "newSession", newSession, "fields", sortedKeys(collected))
	return &Resolution{Flow: flow, Session: session, Collected: collected, NewSession: newSession}, nil
}

func (r *Router) selectFlow(ctx context.Context, message string) (*schema.Flow, error) {
	flow, err := r.catalog.Default(ctx)
	if err == nil {
		return flow, nil
	}
	if !errors.Is(err, models.ErrNoFlowAvailable) || r.opts.Classifier == nil {
		return nil, err
	}

	flows, err := r.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, models.ErrNoFlowAvailable
	}
	summaries := make([]FlowSummary, 0, len(flows))
	for _, f := range flows {
		s := FlowSummary{Slug: f.Slug, Name: f.Name}
		if def, ok := f.Stage(f.InitialStage()); ok {
			s.Description = def.Description
		}
		summaries = append(summaries, s)
	}

	slug, err := r.opts.Classifier.Classify(ctx, message, summaries)
	if err != nil {
		slog.Warn("Router.selectFlow: classifier failed", "error", err)
		return nil, models.ErrNoFlowAvailable
	}
	if slug == "" {
		return nil, models.ErrNoFlowAvailable
	}
	flow, err = r.catalog.Get(ctx, slug)
	if err != nil {
		slog.Warn("Router.selectFlow: classifier picked unknown flow", "flowID", slug)
		return nil, models.ErrNoFlowAvailable
	}
	return flow, nil
}

// globalFields merges the configured global memory fields with the flow's own.
func (r *Router) globalFields(flow *schema.Flow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{r.opts.Config.GlobalMemoryFields, flow.Config.GlobalMemoryFields} {
		for _, slug := range list {
			if !seen[slug] {
				seen[slug] = true
				out = append(out, slug)
			}
		}
	}
	return out
}

// extractionTargets is the scope of extraction: the stage's fields plus global memory
// fields the flow defines.
func (r *Router) extractionTargets(flow *schema.Flow, def *models.StageDefinition) map[string]*models.FieldDefinition {
	targets := make(map[string]*models.FieldDefinition)
	for _, slug := range def.FieldsToCollect {
		fd, _ := flow.Field(slug)
		targets[slug] = fd
	}
	for _, slug := range r.globalFields(flow) {
		if fd, ok := flow.Field(slug); ok {
			targets[slug] = fd
		}
	}
	return targets
}

func (r *Router) collect(ctx context.Context, turn Turn, flow *schema.Flow, stage string, first bool) models.UserData {
	collected := models.UserData{}
	def, ok := flow.Stage(stage)
	if !ok || turn.RetryRequested || strings.TrimSpace(turn.Message) == "" {
		return collected
	}
	targets := r.extractionTargets(flow, def)
	if len(targets) == 0 {
		return collected
	}

	extracted, err := r.opts.Extractor.Extract(ctx, ExtractionRequest{
		Message:          turn.Message,
		FlowID:           flow.Slug,
		Stage:            stage,
		StageDescription: def.Description,
		StageFields:      def.FieldsToCollect,
		Fields:           targets,
		FirstTurn:        first,
	})
	if err != nil {
		slog.Warn("Router.collect: extractor failed, using deterministic detection only", "error", err, "userID", turn.UserID, "flowID", flow.Slug)
	}
	for slug, v := range extracted {
		if _, wanted := targets[slug]; !wanted {
			slog.Debug("Router.collect: dropping out-of-scope field", "field", slug, "stage", stage)
			continue
		}
		collected[slug] = v
	}

	for slug, d := range fields.DetectValues(turn.Message, targets) {
		if current, set := collected[slug]; !set || d.Authoritative || !fields.IsPresent(current) {
			collected[slug] = d.Value
		}
	}
	return r.guardGlobalFields(ctx, turn, flow, stage, def, collected)
}

// guardGlobalFields restricts values for global memory fields the stage does not collect:
// they only fill a gap, and never reuse the digits of a value the stage does collect.
// A stage that collects the field may still correct it.
func (r *Router) guardGlobalFields(ctx context.Context, turn Turn, flow *schema.Flow, stage string, def *models.StageDefinition, collected models.UserData) models.UserData {
	own := make(map[string]bool, len(def.FieldsToCollect))
	claimed := make(map[string]bool)
	for _, slug := range def.FieldsToCollect {
		for _, alias := range flow.Aliases.Aliases(slug) {
			own[alias] = true
		}
		if digits := fields.Digits(collected[slug]); len(digits) >= 4 {
			claimed[digits] = true
		}
	}

	var stored models.UserData
	for slug, v := range collected {
		if own[slug] {
			continue
		}
		if claimed[fields.Digits(v)] {
			slog.Debug("Router.collect: dropping global field that reuses a stage value", "field", slug, "stage", stage)
			delete(collected, slug)
			continue
		}
		if stored == nil {
			var err error
			if stored, err = r.state.GetUserData(ctx, turn.UserID, flow.Slug); err != nil || stored == nil {
				if err != nil {
					slog.Warn("Router.collect: could not load stored data", "error", err, "userID", turn.UserID, "flowID", flow.Slug)
				}
				stored = models.UserData{}
			}
		}
		for _, alias := range flow.Aliases.Aliases(slug) {
			if fields.IsPresent(stored[alias]) {
				slog.Debug("Router.collect: keeping stored global field", "field", slug, "stage", stage)
				delete(collected, slug)
				break
			}
		}
	}
	return collected
}

type frameKind int

const (
	// frameRevert undoes a newStage jump when the target stage errors.
	frameRevert frameKind = iota
	// frameInternal marks a handoff; errors beyond it become internal.
	frameInternal
)

type frame struct {
	kind   frameKind
	flowID string
	stage  string
	policy models.UnhandledErrorPolicy
}

// run is the mutable state of one ProceedFlow call.
type run struct {
	r         *Router
	turn      Turn
	sessionID string
	now       time.Time

	flow    *schema.Flow
	stage   string
	steps   int
	visited map[string]bool
	frames  []frame
}

type verdict int

const (
	verdictProceed verdict = iota
	verdictStop
	verdictJump
)

// ProceedFlow persists the collected values and advances the state machine as far as it can
// go this turn. Nested transitions are driven by an explicit loop with a frame stack, so
// handoffs and newStage jumps never grow the Go stack.
func (r *Router) ProceedFlow(ctx context.Context, turn Turn, res *Resolution) (*Outcome, error) {
	p := &run{
		r:         r,
		turn:      turn,
		sessionID: res.Session.SessionID,
		now:       r.opts.Clock(),
		flow:      res.Flow,
		stage:     res.Session.Stage,
		visited:   make(map[string]bool),
	}

	out, err := p.loop(ctx, res.Collected)
	if err != nil {
		slog.Error("Router.ProceedFlow: unhandled error", "error", err, "userID", turn.UserID, "flowID", p.flow.Slug, "stage", p.stage)
		out = p.settle(&StageError{Kind: ErrorKindUnhandled, Message: err.Error()})
		if p.flow.Config.OnUnhandledError == models.PolicyKillFlow {
			if endErr := r.state.EndSession(ctx, turn.UserID, p.flow.Slug, true); endErr != nil {
				return nil, errors.Join(err, endErr)
			}
			out.Ended = true
			return out, nil
		}
	}
	if err := p.unwind(ctx, out); err != nil {
		return nil, err
	}
	slog.Debug("Router.ProceedFlow: settled", "userID", turn.UserID, "flowID", out.FlowID, "stage", out.Stage, "steps", out.Steps, "ended", out.Ended)
	return out, nil
}

func (p *run) key(flowID, stage string) string { return flowID + "\x00" + stage }

func (p *run) settle(stageErr *StageError) *Outcome {
	if stageErr != nil {
		if stageErr.FlowID == "" {
			stageErr.FlowID = p.flow.Slug
		}
		if stageErr.Stage == "" {
			stageErr.Stage = p.stage
		}
	}
	return &Outcome{FlowID: p.flow.Slug, Stage: p.stage, Error: stageErr, Steps: p.steps}
}

func (p *run) scope(data models.UserData) expression.Scope {
	return expression.Scope{UserData: data, TemplateContext: p.turn.TemplateContext, Stage: p.stage}
}

func (p *run) transitionError(format string, args ...any) *StageError {
	msg := fmt.Sprintf(format, args...)
	slog.Error("Router.ProceedFlow: transition error", "message", msg, "flowID", p.flow.Slug, "stage", p.stage)
	return &StageError{Kind: ErrorKindTransition, Message: msg}
}

func (p *run) moveTo(ctx context.Context, flow *schema.Flow, stage string) error {
	if err := p.r.state.SetStage(ctx, p.turn.UserID, flow.Slug, stage); err != nil {
		return err
	}
	p.flow, p.stage = flow, stage
	return nil
}

func (p *run) record(ctx context.Context) error {
	return p.r.state.RecordStage(ctx, models.FlowHistoryEntry{
		UserID:    p.turn.UserID,
		FlowID:    p.flow.Slug,
		Stage:     p.stage,
		SessionID: p.sessionID,
		Timestamp: p.now,
	})
}

func (p *run) loop(ctx context.Context, collected models.UserData) (*Outcome, error) {
	for {
		p.steps++
		if p.steps > p.r.opts.Config.MaxSteps {
			return p.settle(p.transitionError("step limit of %d reached", p.r.opts.Config.MaxSteps)), nil
		}
		p.visited[p.key(p.flow.Slug, p.stage)] = true

		def, ok := p.flow.Stage(p.stage)
		if !ok {
			return p.settle(p.transitionError("stage %q does not exist", p.stage)), nil
		}
		data, err := p.r.state.GetUserData(ctx, p.turn.UserID, p.flow.Slug)
		if err != nil {
			return nil, err
		}
		diag, err := p.r.state.GetDiagnostics(ctx, p.turn.UserID, p.flow.Slug)
		if err != nil {
			return nil, err
		}

		if collected != nil {
			if err := p.persist(ctx, def, data, diag, collected); err != nil {
				return nil, err
			}
			collected = nil
		}
		if err := p.derive(ctx, data); err != nil {
			return nil, err
		}

		if !IsStageCompleted(p.r.opts.Evaluator, p.flow, def, data, p.scope(data)) {
			out := p.settle(nil)
			out.Missing = MissingFields(p.flow, def, data)
			return out, nil
		}

		v, out, err := p.runAction(ctx, def, data, diag)
		if err != nil {
			return nil, err
		}
		switch v {
		case verdictStop:
			return out, nil
		case verdictJump:
			continue
		}

		next := ResolveNextStage(p.r.opts.Evaluator, def.NextStage, p.scope(data))
		switch {
		case next == "":
			out, cont, err := p.finish(ctx, data)
			if err != nil || !cont {
				return out, err
			}
		case next == p.stage:
			out := p.settle(nil)
			out.Completed = true
			return out, nil
		default:
			if _, ok := p.flow.Stage(next); !ok {
				return p.settle(p.transitionError("next stage %q does not exist", next)), nil
			}
			if err := p.record(ctx); err != nil {
				return nil, err
			}
			revisit := p.visited[p.key(p.flow.Slug, next)]
			if err := p.moveTo(ctx, p.flow, next); err != nil {
				return nil, err
			}
			if revisit {
				slog.Warn("Router.ProceedFlow: transition cycle, stopping for this turn", "userID", p.turn.UserID, "flowID", p.flow.Slug, "stage", next)
				return p.settle(nil), nil
			}
		}
	}
}

// persist validates collected values and writes the valid ones. An invalid value for a
// field the stage requires also clears any stored value of that field and its aliases.
func (p *run) persist(ctx context.Context, def *models.StageDefinition, data models.UserData, diag *models.SessionDiagnostics, collected models.UserData) error {
	collected = fields.FilterPresent(collected)
	if len(collected) == 0 {
		return nil
	}

	valid := models.UserData{}
	invalid := make(map[string]fields.Result)
	for slug, raw := range collected {
		fd, _ := p.flow.Field(slug)
		if res := fields.Validate(slug, fd, raw); res.OK {
			valid[slug] = res.Value
		} else {
			invalid[slug] = res
		}
	}

	changed := false
	var stale []string
	for _, slug := range sortedKeys(invalid) {
		res := invalid[slug]
		slog.Info("Router.ProceedFlow: rejected field value", "userID", p.turn.UserID, "flowID", p.flow.Slug, "field", slug, "reason", res.Reason)
		if p.requiredByStage(def, slug) {
			for _, alias := range p.flow.Aliases.Aliases(slug) {
				if _, replaced := valid[alias]; replaced {
					continue
				}
				if _, stored := data[alias]; stored {
					stale = append(stale, alias)
					delete(data, alias)
				}
			}
		}
		if diag.InvalidFields == nil {
			diag.InvalidFields = make(map[string]models.InvalidFieldMarker)
		}
		diag.InvalidFields[slug] = models.InvalidFieldMarker{Reason: res.Reason, Suggestion: res.Suggestion, Timestamp: p.now}
		changed = true
	}
	if err := p.r.state.DeleteUserData(ctx, p.turn.UserID, p.flow.Slug, stale); err != nil {
		return err
	}

	if err := p.r.state.MergeUserData(ctx, p.turn.UserID, p.flow.Slug, valid); err != nil {
		return err
	}
	for slug, v := range valid {
		data[slug] = v
		for _, alias := range p.flow.Aliases.Aliases(slug) {
			if _, marked := diag.InvalidFields[alias]; marked {
				delete(diag.InvalidFields, alias)
				changed = true
			}
		}
	}

	if changed {
		return p.r.state.SaveDiagnostics(ctx, p.turn.UserID, p.flow.Slug, diag)
	}
	return nil
}

func (p *run) requiredByStage(def *models.StageDefinition, slug string) bool {
	for _, f := range def.FieldsToCollect {
		if p.flow.Aliases.Same(f, slug) {
			return true
		}
	}
	if def.CustomCompletionCheck != nil {
		for _, f := range def.CustomCompletionCheck.RequiredFields {
			if p.flow.Aliases.Same(f, slug) {
				return true
			}
		}
	}
	return false
}

// derive fills absent fields from the flow's derivation expressions.
func (p *run) derive(ctx context.Context, data models.UserData) error {
	added := models.UserData{}
	for _, d := range p.flow.Config.Derivations {
		if fields.IsPresent(data[d.Field]) {
			continue
		}
		v, err := p.r.opts.Evaluator.Eval(d.Expression, p.scope(data))
		if err != nil {
			slog.Debug("Router.derive: expression failed", "field", d.Field, "error", err)
			continue
		}
		if !fields.IsPresent(v) {
			continue
		}
		fd, _ := p.flow.Field(d.Field)
		res := fields.Validate(d.Field, fd, v)
		if !res.OK {
			slog.Debug("Router.derive: derived value rejected", "field", d.Field, "reason", res.Reason)
			continue
		}
		data[d.Field] = res.Value
		added[d.Field] = res.Value
	}
	return p.r.state.MergeUserData(ctx, p.turn.UserID, p.flow.Slug, added)
}

func (p *run) runAction(ctx context.Context, def *models.StageDefinition, data models.UserData, diag *models.SessionDiagnostics) (verdict, *Outcome, error) {
	act := def.Action
	if act == nil {
		return verdictProceed, nil, nil
	}
	if act.Condition != "" && !p.r.opts.Evaluator.Bool(act.Condition, p.scope(data)) {
		slog.Debug("Router.ProceedFlow: action guard false, skipping", "flowID", p.flow.Slug, "stage", p.stage, "tool", act.ToolName)
		return verdictProceed, nil, nil
	}

	if def.IsActionOnly() && !p.turn.RetryRequested {
		if prev := diag.RecentActionError(act.ToolName, p.stage, p.now, p.r.opts.Config.ActionFailureWindow); prev != nil {
			slog.Info("Router.ProceedFlow: action failed recently, not re-invoking", "userID", p.turn.UserID, "flowID", p.flow.Slug, "stage", p.stage, "tool", act.ToolName)
			return verdictStop, p.settle(&StageError{
				Kind:           ErrorKindTool,
				Tool:           prev.Tool,
				Code:           prev.Code,
				Message:        prev.Message,
				UserActionable: prev.UserActionable,
			}), nil
		}
	}

	payload := make(map[string]any, len(data)+len(act.Payload))
	for k, v := range data {
		payload[k] = v
	}
	for k, v := range act.Payload {
		payload[k] = v
	}
	result := p.r.tools.Execute(ctx, act.ToolName, payload, models.ToolContext{
		ConversationID: p.turn.ConversationID,
		UserID:         p.turn.UserID,
		FlowID:         p.flow.Slug,
		Stage:          p.stage,
	})

	if !result.Success {
		return p.actionFailed(ctx, def, diag, result)
	}

	save := fields.FilterPresent(models.UserData(result.SaveResults))
	if err := p.r.state.MergeUserData(ctx, p.turn.UserID, p.flow.Slug, save); err != nil {
		return verdictStop, nil, err
	}
	for k, v := range save {
		data[k] = v
	}
	if diag.LastActionError != nil {
		diag.LastActionError = nil
		if err := p.r.state.SaveDiagnostics(ctx, p.turn.UserID, p.flow.Slug, diag); err != nil {
			return verdictStop, nil, err
		}
	}

	if flowSlug, stage, ok := result.Handoff(); ok {
		return p.handoff(ctx, data, flowSlug, stage)
	}
	return verdictProceed, nil, nil
}

// resolveHandler picks the most specific handler: by error code, then the action's, then
// the stage's.
func resolveHandler(def *models.StageDefinition, code string) *models.ErrorHandler {
	if def.Action != nil {
		if h, ok := def.Action.OnErrorCode[code]; ok && h != nil && code != "" {
			return h
		}
		if def.Action.OnError != nil {
			return def.Action.OnError
		}
	}
	return def.OnError
}

// userActionable classifies a failure. explicit is false when only the stage shape decided,
// in which case the tool's own text must not reach the user.
func userActionable(def *models.StageDefinition, handler *models.ErrorHandler, result models.ToolResult) (actionable, explicit bool) {
	if handler != nil && handler.UserActionable != nil {
		return *handler.UserActionable, true
	}
	if result.UserActionable != nil {
		return *result.UserActionable, true
	}
	switch result.ErrorCode {
	case models.ToolErrorNotFound, models.ToolErrorPanic, models.ToolErrorUpstream:
		return false, false
	}
	return len(def.FieldsToCollect) > 0, false
}

// failureMessage is the user-facing text of a failed action. Tool text is only used when the
// failure was explicitly marked user-actionable.
func failureMessage(handler *models.ErrorHandler, result models.ToolResult, actionable, explicit bool) string {
	switch {
	case handler != nil && handler.Message != "":
		return handler.Message
	case actionable && explicit && strings.TrimSpace(result.Error) != "":
		return result.Error
	default:
		return ActionRejectedMessage
	}
}

func (p *run) actionFailed(ctx context.Context, def *models.StageDefinition, diag *models.SessionDiagnostics, result models.ToolResult) (verdict, *Outcome, error) {
	tool := def.Action.ToolName
	handler := resolveHandler(def, result.ErrorCode)
	actionable, explicit := userActionable(def, handler, result)
	message := failureMessage(handler, result, actionable, explicit)

	slog.Warn("Router.ProceedFlow: action failed", "userID", p.turn.UserID, "flowID", p.flow.Slug, "stage", p.stage, "tool", tool, "code", result.ErrorCode, "userActionable", actionable, "error", result.Error)

	diag.LastActionError = &models.ActionError{
		Tool:           tool,
		Stage:          p.stage,
		Message:        message,
		Code:           result.ErrorCode,
		UserActionable: actionable,
		Timestamp:      p.now,
	}
	if err := p.r.state.SaveDiagnostics(ctx, p.turn.UserID, p.flow.Slug, diag); err != nil {
		return verdictStop, nil, err
	}

	stageErr := &StageError{Kind: ErrorKindTool, Tool: tool, Code: result.ErrorCode, Message: message, UserActionable: actionable}
	if handler == nil {
		if result.ErrorCode == models.ToolErrorNotFound {
			stageErr.Kind = ErrorKindTransition
			slog.Error("Router.ProceedFlow: stage action names an unregistered tool", "flowID", p.flow.Slug, "stage", p.stage, "tool", tool)
		}
		return verdictStop, p.settle(stageErr), nil
	}

	switch handler.Behavior {
	case models.BehaviorNewStage:
		target := handler.NewStage
		if _, ok := p.flow.Stage(target); !ok {
			return verdictStop, p.settle(p.transitionError("error handler stage %q does not exist", target)), nil
		}
		if p.visited[p.key(p.flow.Slug, target)] {
			slog.Warn("Router.ProceedFlow: error handler would revisit a stage, pausing", "flowID", p.flow.Slug, "stage", p.stage, "target", target)
			return verdictStop, p.settle(stageErr), nil
		}
		p.frames = append(p.frames, frame{kind: frameRevert, flowID: p.flow.Slug, stage: p.stage, policy: p.flow.Config.OnUnhandledError})
		if err := p.moveTo(ctx, p.flow, target); err != nil {
			return verdictStop, nil, err
		}
		return verdictJump, nil, nil
	case models.BehaviorContinue:
		slog.Info("Router.ProceedFlow: continuing past failed action", "flowID", p.flow.Slug, "stage", p.stage, "tool", tool)
		return verdictProceed, nil, nil
	case models.BehaviorEndFlow:
		if err := p.r.state.EndSession(ctx, p.turn.UserID, p.flow.Slug, true); err != nil {
			return verdictStop, nil, err
		}
		out := p.settle(nil)
		out.Ended = true
		out.Notice = handler.Message
		return verdictStop, out, nil
	default:
		return verdictStop, p.settle(stageErr), nil
	}
}

// handoff moves the session into another flow (or another stage of this one) as instructed
// by a tool result.
func (p *run) handoff(ctx context.Context, data models.UserData, flowSlug, stage string) (verdict, *Outcome, error) {
	target, err := p.r.catalog.Get(ctx, flowSlug)
	if err != nil {
		return verdictStop, p.settle(p.transitionError("handoff flow %q is not available", flowSlug)), nil
	}
	if stage == "" {
		stage = target.InitialStage()
	}
	if _, ok := target.Stage(stage); !ok {
		return verdictStop, p.settle(p.transitionError("handoff stage %q does not exist in flow %q", stage, flowSlug)), nil
	}

	if err := p.record(ctx); err != nil {
		return verdictStop, nil, err
	}
	if target.Slug != p.flow.Slug {
		if err := p.carry(ctx, target, data, nil); err != nil {
			return verdictStop, nil, err
		}
	}

	slog.Info("Router.ProceedFlow: handoff", "userID", p.turn.UserID, "from", p.flow.Slug+"/"+p.stage, "to", target.Slug+"/"+stage)
	p.frames = append(p.frames, frame{kind: frameInternal, flowID: p.flow.Slug, stage: p.stage})
	revisit := p.visited[p.key(target.Slug, stage)]
	if err := p.moveTo(ctx, target, stage); err != nil {
		return verdictStop, nil, err
	}
	if revisit {
		slog.Warn("Router.ProceedFlow: handoff cycle, stopping for this turn", "userID", p.turn.UserID, "flowID", target.Slug, "stage", stage)
		return verdictStop, p.settle(nil), nil
	}
	return verdictJump, nil, nil
}

// carry copies global memory fields and extra into the target flow's data.
func (p *run) carry(ctx context.Context, target *schema.Flow, data models.UserData, extra []string) error {
	carried := models.UserData{}
	for _, slug := range append(p.r.globalFields(p.flow), extra...) {
		for _, alias := range p.flow.Aliases.Aliases(slug) {
			if v := data[alias]; fields.IsPresent(v) {
				carried[slug] = v
				break
			}
		}
	}
	if len(carried) > 0 {
		slog.Debug("Router.ProceedFlow: carrying fields", "from", p.flow.Slug, "to", target.Slug, "fields", sortedKeys(carried))
	}
	return p.r.state.MergeUserData(ctx, p.turn.UserID, target.Slug, carried)
}

// finish handles a completed stage with no next stage: chain the successor flow, or end
// the session keeping the collected data.
func (p *run) finish(ctx context.Context, data models.UserData) (*Outcome, bool, error) {
	if err := p.record(ctx); err != nil {
		return nil, false, err
	}

	if oc := p.flow.Config.OnComplete; oc != nil && oc.StartFlowSlug != "" {
		target, err := p.r.catalog.Get(ctx, oc.StartFlowSlug)
		if err != nil {
			slog.Error("Router.ProceedFlow: successor flow not available, ending session", "flowID", p.flow.Slug, "successor", oc.StartFlowSlug, "error", err)
		} else {
			if err := p.carry(ctx, target, data, oc.CarryFields); err != nil {
				return nil, false, err
			}
			start := target.InitialStage()
			slog.Info("Router.ProceedFlow: flow complete, starting successor", "userID", p.turn.UserID, "flowID", p.flow.Slug, "successor", target.Slug)
			revisit := p.visited[p.key(target.Slug, start)]
			if err := p.moveTo(ctx, target, start); err != nil {
				return nil, false, err
			}
			if revisit {
				return p.settle(nil), false, nil
			}
			return nil, true, nil
		}
	}

	slog.Info("Router.ProceedFlow: flow complete", "userID", p.turn.UserID, "flowID", p.flow.Slug, "stage", p.stage)
	if err := p.r.state.EndSession(ctx, p.turn.UserID, p.flow.Slug, false); err != nil {
		return nil, false, err
	}
	out := p.settle(nil)
	out.Ended = true
	out.Completed = true
	return out, false, nil
}

// unwind applies the frame stack to the final outcome, innermost first.
func (p *run) unwind(ctx context.Context, out *Outcome) error {
	for i := len(p.frames) - 1; i >= 0; i-- {
		f := p.frames[i]
		switch f.kind {
		case frameInternal:
			if out.Error != nil {
				slog.Debug("Router.ProceedFlow: demoting handoff error to internal", "flowID", out.FlowID, "stage", out.Stage)
				out.InternalError, out.Error = out.Error, nil
			}
		case frameRevert:
			if out.Error == nil || out.Ended {
				continue
			}
			failed := out.Error
			out.Error = &StageError{
				Kind:    ErrorKindUnhandled,
				FlowID:  failed.FlowID,
				Stage:   failed.Stage,
				Tool:    failed.Tool,
				Code:    failed.Code,
				Message: failed.Message,
			}
			if f.policy == models.PolicyKillFlow {
				slog.Warn("Router.ProceedFlow: error after newStage, killing flow", "userID", p.turn.UserID, "flowID", f.flowID)
				if err := p.r.state.EndSession(ctx, p.turn.UserID, f.flowID, true); err != nil {
					return err
				}
				out.Ended = true
				out.FlowID, out.Stage = f.flowID, f.stage
				continue
			}
			slog.Warn("Router.ProceedFlow: error after newStage, reverting stage", "userID", p.turn.UserID, "flowID", f.flowID, "stage", f.stage)
			if err := p.r.state.SetStage(ctx, p.turn.UserID, f.flowID, f.stage); err != nil {
				return err
			}
			out.FlowID, out.Stage = f.flowID, f.stage
			out.Missing = nil
		}
	}
	return nil
}
