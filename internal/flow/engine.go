// Package flow implements the stage-based state machine that carries a user through
// onboarding flows one inbound message at a time.
//
// The Router decides where a user is and advances the state machine; the Engine wraps a
// Router with reply composition and is the entry point used by transports and the API.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OnboardPipe/internal/expression"
	"github.com/BTreeMap/OnboardPipe/internal/fields"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

// Reply is the result of handling one inbound message.
type Reply struct {
	UserID string `json:"user_id"`
	FlowID string `json:"flow_id,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Text   string `json:"text,omitempty"`
	// Silent is set when the settled stage has nothing to say.
	Silent    bool      `json:"silent,omitempty"`
	Ended     bool      `json:"ended,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// SessionView is an operator-facing snapshot of a user's session.
type SessionView struct {
	Session     *models.UserFlowState      `json:"session"`
	UserData    models.UserData            `json:"user_data"`
	Missing     []string                   `json:"missing,omitempty"`
	Diagnostics *models.SessionDiagnostics `json:"diagnostics,omitempty"`
}

// EngineOption is a functional option for configuring an Engine.
type EngineOption func(*Engine)

// WithComposer sets the reply composer. The template composer remains the fallback.
func WithComposer(c Composer) EngineOption {
	return func(e *Engine) { e.composer = c }
}

// Engine handles inbound messages end to end.
type Engine struct {
	router   *Router
	composer Composer
	fallback Composer

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock serializes one user's turns. refs counts holders and waiters; the entry is
// dropped when it reaches zero.
type userLock struct {
	sync.Mutex
	refs int
}

// NewEngine creates an Engine around router.
func NewEngine(router *Router, opts ...EngineOption) *Engine {
	e := &Engine{router: router, fallback: TemplateComposer{}, locks: make(map[string]*userLock)}
	for _, opt := range opts {
		opt(e)
	}
	if e.composer == nil {
		e.composer = e.fallback
	}
	return e
}

// Router returns the underlying router.
func (e *Engine) Router() *Router { return e.router }

// Catalog returns the flow catalog the engine routes against.
func (e *Engine) Catalog() *schema.Catalog { return e.router.catalog }

func (e *Engine) lock(userID string) func() {
	e.mu.Lock()
	l, ok := e.locks[userID]
	if !ok {
		l = &userLock{}
		e.locks[userID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, userID)
		}
		e.mu.Unlock()
	}
}

// HandleMessage runs one turn for msg.UserID and returns the reply to send back.
// Turns of the same user are serialized.
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) (*Reply, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	defer e.lock(msg.UserID)()

	turn := Turn{
		UserID:         msg.UserID,
		ConversationID: util.ConversationID(msg.ConversationID),
		Message:        msg.Text,
		RetryRequested: e.router.opts.Config.IsRetry(msg.Text),
	}
	slog.Debug("Engine.HandleMessage", "userID", turn.UserID, "conversationID", turn.ConversationID, "retry", turn.RetryRequested)

	res, err := e.router.DetermineFlowAndCollectData(ctx, turn)
	if err != nil {
		slog.Error("Engine.HandleMessage: could not resolve flow", "error", err, "userID", turn.UserID)
		return nil, err
	}
	out, err := e.router.ProceedFlow(ctx, turn, res)
	if err != nil {
		slog.Error("Engine.HandleMessage: proceed failed", "error", err, "userID", turn.UserID)
		return nil, err
	}
	return e.respond(ctx, turn, out)
}

func (e *Engine) respond(ctx context.Context, turn Turn, out *Outcome) (*Reply, error) {
	reply := &Reply{UserID: turn.UserID, FlowID: out.FlowID, Stage: out.Stage, Ended: out.Ended}
	if out.Error != nil {
		reply.ErrorKind = out.Error.Kind
	}

	if out.Ended {
		req := ReplyRequest{UserID: turn.UserID, FlowID: out.FlowID, Stage: out.Stage, Message: turn.Message}
		if out.Error != nil {
			req.Technical = !out.Error.UserActionable
			if out.Error.UserActionable {
				req.UserError = out.Error.Message
			}
		} else {
			req.Ended = true
			req.Notice = out.Notice
		}
		reply.Text = e.compose(ctx, req)
		return reply, nil
	}

	// The persisted session is authoritative; the outcome only says how we got there.
	session, err := e.router.state.GetSession(ctx, turn.UserID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		reply.Ended = true
		reply.Text = e.compose(ctx, ReplyRequest{UserID: turn.UserID, FlowID: out.FlowID, Ended: true})
		return reply, nil
	}
	flow, err := e.router.catalog.Get(ctx, session.FlowID)
	if err != nil {
		slog.Error("Engine.respond: settled flow not available", "error", err, "userID", turn.UserID, "flowID", session.FlowID)
		reply.ErrorKind = ErrorKindTransition
		reply.Text = e.compose(ctx, ReplyRequest{UserID: turn.UserID, Technical: true})
		return reply, nil
	}
	data, err := e.router.state.GetUserData(ctx, turn.UserID, flow.Slug)
	if err != nil {
		return nil, err
	}
	diag, err := e.router.state.GetDiagnostics(ctx, turn.UserID, flow.Slug)
	if err != nil {
		return nil, err
	}

	stage := session.Stage
	if out.Error == nil {
		if stage, err = e.walkSilent(ctx, turn, session.SessionID, flow, stage, data); err != nil {
			return nil, err
		}
	}
	reply.FlowID, reply.Stage = flow.Slug, stage

	def, ok := flow.Stage(stage)
	if !ok {
		reply.ErrorKind = ErrorKindTransition
		reply.Text = e.compose(ctx, ReplyRequest{UserID: turn.UserID, FlowID: flow.Slug, Stage: stage, Technical: true})
		return reply, nil
	}
	missing := MissingFields(flow, def, data)
	reply.Missing = missing

	req := ReplyRequest{
		UserID:  turn.UserID,
		FlowID:  flow.Slug,
		Stage:   stage,
		Def:     def,
		Fields:  flow.Fields,
		Message: turn.Message,
		Missing: missing,
		Invalid: e.invalidMarkers(flow, diag, missing),
		Known:   knownValues(flow, data),
	}
	switch {
	case out.Error != nil && out.Error.UserActionable:
		req.UserError = out.Error.Message
	case out.Error != nil:
		req.Technical = true
	case out.InternalError != nil && !needsReply(def, missing):
		slog.Info("Engine.respond: surfacing handoff error", "userID", turn.UserID, "error", out.InternalError)
		reply.ErrorKind = out.InternalError.Kind
		if out.InternalError.UserActionable {
			req.UserError = out.InternalError.Message
		} else {
			req.Technical = true
		}
	}

	if !req.Technical && req.UserError == "" && len(req.Invalid) == 0 && !needsReply(def, missing) {
		reply.Silent = true
		return reply, nil
	}
	reply.Text = e.compose(ctx, req)
	return reply, nil
}

// needsReply reports whether a stage at rest has something to ask.
func needsReply(def *models.StageDefinition, missing []string) bool {
	return len(missing) > 0 || (def.Prompt != "" && len(def.FieldsToCollect) == 0 && !def.IsSilent())
}

// walkSilent advances through complete stages that have nothing to say and no action to
// run, so the user is never left waiting on a stage that asks nothing.
func (e *Engine) walkSilent(ctx context.Context, turn Turn, sessionID string, flow *schema.Flow, stage string, data models.UserData) (string, error) {
	ev := e.router.opts.Evaluator
	visited := make(map[string]bool)
	for i := 0; i < e.router.opts.Config.MaxSilentWalk; i++ {
		def, ok := flow.Stage(stage)
		if !ok || visited[stage] {
			break
		}
		visited[stage] = true
		if def.Action != nil || needsReply(def, MissingFields(flow, def, data)) {
			break
		}
		scope := expression.Scope{UserData: data, TemplateContext: turn.TemplateContext, Stage: stage}
		if !IsStageCompleted(ev, flow, def, data, scope) {
			break
		}
		next := ResolveNextStage(ev, def.NextStage, scope)
		if next == "" || next == stage {
			break
		}
		if _, ok := flow.Stage(next); !ok {
			slog.Error("Engine.walkSilent: next stage does not exist", "flowID", flow.Slug, "stage", stage, "next", next)
			break
		}
		slog.Debug("Engine.walkSilent: advancing", "userID", turn.UserID, "flowID", flow.Slug, "from", stage, "to", next)
		if err := e.router.state.RecordStage(ctx, models.FlowHistoryEntry{UserID: turn.UserID, FlowID: flow.Slug, Stage: stage, SessionID: sessionID}); err != nil {
			return stage, err
		}
		if err := e.router.state.SetStage(ctx, turn.UserID, flow.Slug, next); err != nil {
			return stage, err
		}
		stage = next
	}
	return stage, nil
}

// invalidMarkers returns the recent markers of fields the stage still needs.
func (e *Engine) invalidMarkers(flow *schema.Flow, diag *models.SessionDiagnostics, missing []string) map[string]models.InvalidFieldMarker {
	active := diag.ActiveInvalidFields(e.router.opts.Clock(), e.router.opts.Config.InvalidMarkerWindow)
	out := make(map[string]models.InvalidFieldMarker)
	for _, slug := range missing {
		for _, alias := range flow.Aliases.Aliases(slug) {
			if marker, ok := active[alias]; ok {
				out[slug] = marker
				break
			}
		}
	}
	return out
}

// knownValues drops sensitive fields so they never reach a composer.
func knownValues(flow *schema.Flow, data models.UserData) models.UserData {
	out := models.UserData{}
	for k, v := range data {
		if fd, ok := flow.Field(k); ok && fd.Sensitive {
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Engine) compose(ctx context.Context, req ReplyRequest) string {
	text, err := e.composer.Compose(ctx, req)
	if err == nil && text != "" {
		return text
	}
	if err != nil {
		slog.Warn("Engine.compose: composer failed, using templates", "error", err, "userID", req.UserID)
	}
	text, _ = e.fallback.Compose(ctx, req)
	return text
}

// Session returns an operator view of the user's live session with sensitive values masked.
func (e *Engine) Session(ctx context.Context, userID string) (*SessionView, error) {
	session, err := e.router.state.GetSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, models.ErrSessionNotFound
	}
	view := &SessionView{Session: session, UserData: models.UserData{}}
	data, err := e.router.state.GetUserData(ctx, userID, session.FlowID)
	if err != nil {
		return nil, err
	}
	if view.Diagnostics, err = e.router.state.GetDiagnostics(ctx, userID, session.FlowID); err != nil {
		return nil, err
	}

	flow, err := e.router.catalog.Get(ctx, session.FlowID)
	if err != nil && !errors.Is(err, models.ErrFlowNotFound) {
		return nil, err
	}
	for k, v := range data {
		if flow != nil {
			if fd, ok := flow.Field(k); ok && fd.Sensitive {
				v = fields.Mask(v)
			}
		}
		view.UserData[k] = v
	}
	if flow != nil {
		if def, ok := flow.Stage(session.Stage); ok {
			view.Missing = MissingFields(flow, def, data)
		}
	}
	return view, nil
}

// Reset deletes the user's session and the data of its flow.
func (e *Engine) Reset(ctx context.Context, userID string) error {
	defer e.lock(userID)()
	session, err := e.router.state.GetSession(ctx, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return models.ErrSessionNotFound
	}
	slog.Info("Engine.Reset", "userID", userID, "flowID", session.FlowID)
	return e.router.state.EndSession(ctx, userID, session.FlowID, true)
}

// History returns the user's completed stages, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]models.FlowHistoryEntry, error) {
	return e.router.state.History(ctx, userID, limit)
}
