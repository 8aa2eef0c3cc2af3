package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
)

// maxFlowDocumentSize bounds POST /flows bodies.
const maxFlowDocumentSize = 1 << 20

// internalErrorBody is sent when a response body cannot be encoded.
var internalErrorBody = []byte(`{"status":"error","message":"Internal server error"}`)

// respond encodes body as the JSON reply with the given status.
func respond(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.respond: encode failed", "error", err, "status", status)
		payload, status = internalErrorBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		slog.Warn("Server.respond: write failed", "error", err)
	}
}

// FlowInfo summarizes a loaded flow.
type FlowInfo struct {
	Slug      string `json:"slug"`
	Name      string `json:"name,omitempty"`
	Version   int    `json:"version"`
	Default   bool   `json:"default,omitempty"`
	Stages    int    `json:"stages"`
	FirstStep string `json:"initial_stage"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		respond(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := msg.Validate(); err != nil {
		respond(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.engine.HandleMessage(r.Context(), msg)
	if err != nil {
		if errors.Is(err, models.ErrNoFlowAvailable) {
			respond(w, http.StatusUnprocessableEntity, models.Error(err.Error()))
			return
		}
		slog.Error("Server.messageHandler: engine failed", "error", err, "userID", msg.UserID)
		respond(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	respond(w, http.StatusOK, models.Success(reply))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	view, err := s.engine.Session(r.Context(), userID)
	if err != nil {
		s.writeSessionError(w, "getSessionHandler", userID, err)
		return
	}
	respond(w, http.StatusOK, models.Success(view))
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if err := s.engine.Reset(r.Context(), userID); err != nil {
		s.writeSessionError(w, "resetSessionHandler", userID, err)
		return
	}
	slog.Info("Server.resetSessionHandler: session reset", "userID", userID)
	respond(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) writeSessionError(w http.ResponseWriter, handler, userID string, err error) {
	if errors.Is(err, models.ErrSessionNotFound) {
		respond(w, http.StatusNotFound, models.Error(err.Error()))
		return
	}
	slog.Error("Server."+handler+": failed", "error", err, "userID", userID)
	respond(w, http.StatusInternalServerError, models.Error("Failed to load session"))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respond(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := s.engine.History(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Server.historyHandler: failed", "error", err, "userID", userID)
		respond(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	if entries == nil {
		entries = []models.FlowHistoryEntry{}
	}
	respond(w, http.StatusOK, models.Success(entries))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	catalog := s.engine.Catalog()
	flows, err := catalog.List(r.Context())
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed", "error", err)
		respond(w, http.StatusInternalServerError, models.Error("Failed to load flows"))
		return
	}
	defaultSlug := ""
	if def, err := catalog.Default(r.Context()); err == nil {
		defaultSlug = def.Slug
	}
	out := make([]FlowInfo, 0, len(flows))
	for _, f := range flows {
		out = append(out, FlowInfo{
			Slug:      f.Slug,
			Name:      f.Name,
			Version:   f.Version,
			Default:   f.Slug == defaultSlug,
			Stages:    len(f.Stages),
			FirstStep: f.InitialStage(),
		})
	}
	respond(w, http.StatusOK, models.Success(out))
}

func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s.opts.FlowWriter == nil {
		respond(w, http.StatusNotImplemented, models.Error("flow definitions are read-only in this deployment"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFlowDocumentSize))
	if err != nil {
		respond(w, http.StatusBadRequest, models.Error("Failed to read body"))
		return
	}
	def, err := schema.Decode(body)
	if err == nil {
		err = s.engine.Catalog().Validate(def)
	}
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			respond(w, http.StatusBadRequest, models.APIResponse{
				Status:  string(models.APIStatusError),
				Message: schema.ErrInvalidSchema.Error(),
				Result:  verr.Errors,
			})
			return
		}
		respond(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	version, err := s.opts.FlowWriter.SaveFlowDefinition(r.Context(), def)
	if err != nil {
		slog.Error("Server.saveFlowHandler: save failed", "error", err, "flowID", def.Slug)
		respond(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	s.engine.Catalog().Invalidate()
	slog.Info("Server.saveFlowHandler: flow saved", "flowID", def.Slug, "version", version)
	respond(w, http.StatusCreated, models.Success(map[string]any{"slug": def.Slug, "version": version}))
}

func (s *Server) reloadFlowsHandler(w http.ResponseWriter, r *http.Request) {
	catalog := s.engine.Catalog()
	if err := catalog.Reload(r.Context()); err != nil {
		slog.Error("Server.reloadFlowsHandler: reload failed", "error", err)
		respond(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	flows, _ := catalog.List(r.Context())
	respond(w, http.StatusOK, models.SuccessWithMessage("Flows reloaded", map[string]int{"count": len(flows)}))
}
