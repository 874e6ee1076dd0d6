// Package server exposes the turn engine over HTTP.
//
// The API surface is deliberately small: one endpoint submits a player action
// and blocks until the turn reaches a terminal state, plus liveness and
// readiness probes. Campaign and character CRUD is out of scope; records are
// managed by an upstream service sharing the same stores.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loreweaver/internal/agentclient"
	"github.com/loomworks/loreweaver/internal/observe"
	"github.com/loomworks/loreweaver/internal/orchestrator"
	"github.com/loomworks/loreweaver/pkg/game"
	"github.com/loomworks/loreweaver/pkg/memory"
)

// shutdownTimeout bounds how long Shutdown waits for in-flight requests.
const shutdownTimeout = 15 * time.Second

// TurnSubmitter processes one turn to completion. Satisfied by
// [orchestrator.Orchestrator].
type TurnSubmitter interface {
	Submit(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// Server is the HTTP front end of the turn engine.
type Server struct {
	turns    TurnSubmitter
	health   *Health
	mux      *http.ServeMux
	httpSrv  *http.Server
	certFile string
	keyFile  string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithTLS serves HTTPS using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithReadinessChecks registers named dependency probes for /readyz.
func WithReadinessChecks(checks ...Checker) Option {
	return func(s *Server) { s.health = NewHealth(checks...) }
}

// New creates a [Server] listening on addr once [Server.Start] is called.
func New(addr string, turns TurnSubmitter, opts ...Option) *Server {
	s := &Server{
		turns:  turns,
		health: NewHealth(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /v1/campaigns/{id}/turns", s.handleSubmitTurn)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(s.mux)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wired HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves HTTP until the listener fails or [Server.Shutdown] is called.
// It blocks; [http.ErrServerClosed] is swallowed as a clean exit.
func (s *Server) Start() error {
	var err error
	if s.certFile != "" {
		err = s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn endpoint
// ─────────────────────────────────────────────────────────────────────────────

// turnRequest is the POST /v1/campaigns/{id}/turns request body. CampaignID
// may be omitted; when present it must match the path id.
type turnRequest struct {
	CampaignID   string `json:"campaign_id,omitempty"`
	CharacterID  string `json:"character_id"`
	PlayerAction string `json:"player_action"`
}

// turnResponse is the success response body.
type turnResponse struct {
	TurnID           uuid.UUID          `json:"turn_id"`
	Seq              uint64             `json:"seq"`
	Narrative        string             `json:"narrative"`
	StateSummary     map[string]any     `json:"state_summary,omitempty"`
	NPCActions       []game.NPCAction   `json:"npc_actions,omitempty"`
	RollRequests     []game.RollRequest `json:"roll_requests,omitempty"`
	SuggestedOptions []string           `json:"suggested_options,omitempty"`
}

// errorResponse is the failure response body.
type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid campaign id in path")
		return
	}

	var body turnRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("decoding request body: %v", err))
		return
	}
	if body.CampaignID != "" && body.CampaignID != campaignID.String() {
		writeError(w, http.StatusBadRequest, "bad_request", "campaign_id in body does not match path")
		return
	}
	characterID, err := uuid.Parse(body.CharacterID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid character_id")
		return
	}
	if body.PlayerAction == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "player_action must not be empty")
		return
	}

	res, err := s.turns.Submit(r.Context(), orchestrator.TurnRequest{
		CampaignID:   campaignID,
		CharacterID:  characterID,
		PlayerAction: body.PlayerAction,
	})
	if err != nil {
		status, kind := classifyError(err)
		writeError(w, status, kind, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{
		TurnID:           res.Turn.ID,
		Seq:              res.Turn.Seq,
		Narrative:        res.Turn.Narrative,
		StateSummary:     res.StateSummary,
		NPCActions:       res.Output.NPCActions,
		RollRequests:     res.Output.RollRequests,
		SuggestedOptions: res.Output.SuggestedOptions,
	})
}

// classifyError maps turn pipeline sentinels to HTTP status and error kind.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, game.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, game.ErrPreconditionFailed):
		return http.StatusConflict, "precondition_failed"
	case errors.Is(err, agentclient.ErrAgentOutputInvalid):
		return http.StatusBadGateway, "agent_output_invalid"
	case errors.Is(err, orchestrator.ErrTurnTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, agentclient.ErrAgentUnavailable),
		errors.Is(err, memory.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "superseded"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{ErrorKind: kind, Message: msg})
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error_kind":"internal","message":"encoding response"}`, http.StatusInternalServerError)
	}
}
