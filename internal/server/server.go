// Package server exposes the question-answering workflow over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/mohammad-safakhou/buildingqa/internal/agent/core"
	"github.com/mohammad-safakhou/buildingqa/internal/runtime"
	"github.com/mohammad-safakhou/buildingqa/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TurnProcessor runs conversation turns. *core.Orchestrator implements it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, state *core.ConversationState) (*core.ConversationState, error)
	GetStatus(conversationID string) (core.ProcessingStatus, error)
	CancelProcessing(conversationID string) error
}

type Server struct {
	Echo *echo.Echo

	orch     TurnProcessor
	sessions session.Store
	logger   *log.Logger
	now      func() time.Time
}

type turnRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	ConversationID string               `json:"conversation_id"`
	MessageID      string               `json:"message_id"`
	Answer         string               `json:"answer"`
	Stage          string               `json:"stage,omitempty"`
	Media          []core.MediaArtifact `json:"media,omitempty"`
	Trace          []core.Transition    `json:"trace,omitempty"`
}

// NewServer builds the echo instance and registers every route. The API group requires
// a bearer token when server.jwt_secret is set.
func NewServer(cfg *config.Config, orch TurnProcessor, sessions session.Store, logger *log.Logger) (*Server, error) {
	if cfg == nil || orch == nil || sessions == nil {
		return nil, fmt.Errorf("server: config, orchestrator and session store are required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{orch: orch, sessions: sessions, logger: logger, now: time.Now}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Telemetry.Enabled {
		e.GET(cfg.Telemetry.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	if strings.TrimSpace(cfg.Server.JWTSecret) != "" {
		secret, err := runtime.LoadJWTSecret(cfg)
		if err != nil {
			return nil, err
		}
		api.Use(runtime.EchoAuthMiddleware(secret))
	} else {
		logger.Printf("[HTTP] warn: server.jwt_secret is empty, the API is unauthenticated")
	}
	conv := api.Group("/conversations")
	conv.POST("", s.createConversation)
	conv.GET("/:id", s.getConversation)
	conv.DELETE("/:id", s.deleteConversation)
	conv.POST("/:id/turns", s.postTurn)
	conv.GET("/:id/status", s.getStatus)
	conv.POST("/:id/cancel", s.cancelTurn)

	s.Echo = e
	return s, nil
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[HTTP] listening on %s", addr)
		errCh <- s.Echo.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	s.logger.Printf("[HTTP] %d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]interface{}{"error": msg})
	}
}

func (s *Server) createConversation(c echo.Context) error {
	state := &core.ConversationState{ConversationID: uuid.NewString(), UpdatedAt: s.now().UTC()}
	if sub, ok := runtime.SubjectFromContext(c.Request().Context()); ok {
		state.UserID = sub
	}
	if err := s.sessions.Save(c.Request().Context(), state); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"conversation_id": state.ConversationID})
}

func (s *Server) getConversation(c echo.Context) error {
	state, err := s.load(c, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) deleteConversation(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.load(c, id); err != nil {
		return err
	}
	if err := s.sessions.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) postTurn(c echo.Context) error {
	id := c.Param("id")
	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	ctx := c.Request().Context()

	state, err := s.sessions.Load(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		state = &core.ConversationState{ConversationID: id}
		if sub, ok := runtime.SubjectFromContext(ctx); ok {
			state.UserID = sub
		}
	case err != nil:
		return err
	case !ownedBy(ctx, state):
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	state.Messages = append(state.Messages, core.NewUserMessage(req.Message, s.now()))

	state, err = s.orch.ProcessTurn(ctx, state)
	switch {
	case errors.Is(err, core.ErrTurnInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrNoUserMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}
	if err := s.sessions.Save(ctx, state); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return c.JSON(http.StatusOK, answerOf(state))
}

func (s *Server) getStatus(c echo.Context) error {
	status, err := s.orch.GetStatus(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) cancelTurn(c echo.Context) error {
	if err := s.orch.CancelProcessing(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// load returns the stored conversation. Conversations owned by another subject are
// reported as missing.
func (s *Server) load(c echo.Context, id string) (*core.ConversationState, error) {
	if strings.TrimSpace(id) == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	state, err := s.sessions.Load(c.Request().Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return nil, err
	}
	if !ownedBy(c.Request().Context(), state) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return state, nil
}

func ownedBy(ctx context.Context, state *core.ConversationState) bool {
	sub, ok := runtime.SubjectFromContext(ctx)
	return !ok || state.UserID == "" || state.UserID == sub
}

func answerOf(state *core.ConversationState) turnResponse {
	resp := turnResponse{ConversationID: state.ConversationID, Trace: state.Trace}
	if n := len(state.Messages); n > 0 && state.Messages[n-1].Role == core.RoleAssistant {
		msg := state.Messages[n-1]
		resp.MessageID = msg.ID
		resp.Answer = msg.Content
		if stage, ok := msg.Metadata["stage"].(string); ok {
			resp.Stage = stage
		}
		if media, ok := msg.Metadata["media"].([]core.MediaArtifact); ok {
			resp.Media = media
		}
	}
	return resp
}
