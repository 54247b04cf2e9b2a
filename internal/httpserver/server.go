// Package httpserver exposes the voice gateway over HTTP: the provider
// webhook, the media WebSocket, and the admin surface.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/agent"
	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/booking"
	"github.com/festnoze/voice-gateway/internal/config"
	"github.com/festnoze/voice-gateway/internal/latency"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/provider"
	"github.com/festnoze/voice-gateway/internal/session"
	"github.com/festnoze/voice-gateway/internal/store"
	"github.com/festnoze/voice-gateway/internal/stt"
	"github.com/festnoze/voice-gateway/internal/tts"
)

// Deps are the call collaborators shared by every session.
type Deps struct {
	Adapter  provider.Adapter
	DB       store.ConversationStore
	Queue    *store.RetryQueue
	LLM      agent.ChatModel
	RAG      session.Retriever
	Calendar booking.Calendar
	Leads    booking.Leads
	NewSTT   func(track audio.Track) (stt.Session, error)
	Synth    tts.Synthesizer
	Latency  *latency.Writer
}

// Server routes HTTP traffic into call sessions.
type Server struct {
	echo     *echo.Echo
	cfg      config.Config
	deps     Deps
	registry *session.Registry
	upgrader websocket.Upgrader
	log      zerolog.Logger
	met      *metrics.Metrics
}

// New builds the server and its routes.
func New(cfg config.Config, deps Deps, log zerolog.Logger, met *metrics.Metrics) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		deps:     deps,
		registry: session.NewRegistry(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "http").Logger(),
		met: met,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/voice/incoming", s.incomingCall)
	e.GET("/voice/media", s.mediaStream)

	admin := e.Group("", s.requireAdminKey)
	admin.GET("/logs/last", s.lastLog)
	admin.GET("/logs/latency", s.latencyLog)
	admin.GET("/test/parallel-incoming-calls", s.parallelCalls)

	return s
}

// Registry exposes the live-session registry.
func (s *Server) Registry() *session.Registry { return s.registry }

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown or a listener error.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

// Shutdown stops accepting and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.log.Info().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("took", time.Since(start)).
			Msg("request")
		return err
	}
}

// requireAdminKey gates the admin group behind ADMIN_API_KEY. An unset
// key rejects everything.
func (s *Server) requireAdminKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Admin-Api-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if s.cfg.AdminAPIKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
			s.log.Warn().Str("path", c.Request().URL.Path).Msg("admin request with invalid key")
			return c.String(http.StatusForbidden, "forbidden")
		}
		return next(c)
	}
}

// incomingCall is the provider webhook: authenticate, verify the call,
// answer with the stream-back instruction.
func (s *Server) incomingCall(c echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		return c.String(http.StatusBadRequest, "bad form")
	}

	if err := s.deps.Adapter.AuthenticateRequest(r, r.PostForm); err != nil {
		s.log.Warn().Err(err).Msg("webhook authentication failed")
		return c.String(http.StatusUnauthorized, "unauthorized")
	}

	callID, from, err := s.deps.Adapter.ExtractCallData(r, r.PostForm)
	if err != nil {
		s.log.Warn().Err(err).Msg("webhook missing call data")
		return c.String(http.StatusBadRequest, "missing call id")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.deps.Adapter.VerifyCall(ctx, callID, from); err != nil {
		if errors.Is(err, provider.ErrCallNotFound) || errors.Is(err, provider.ErrCallNotActive) {
			s.log.Warn().Err(err).Str("call_id", callID).Msg("call verification failed")
			return c.String(http.StatusForbidden, "forbidden")
		}
		s.log.Error().Err(err).Str("call_id", callID).Msg("call verification error")
		return c.String(http.StatusBadGateway, "verification unavailable")
	}

	wsURL := "wss://" + s.cfg.PublicHost + "/voice/media"
	body, contentType, err := s.deps.Adapter.StreamResponse(callID, from, wsURL)
	if err != nil {
		s.log.Error().Err(err).Msg("stream response build failed")
		return c.String(http.StatusInternalServerError, "internal error")
	}

	s.log.Info().Str("call_id", callID).Str("from", from).Msg("incoming call accepted")
	return c.Blob(http.StatusOK, contentType, []byte(body))
}

// mediaStream upgrades the media WebSocket and runs the session until
// the call ends.
func (s *Server) mediaStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("media upgrade failed")
		return nil
	}

	sess := session.New(session.Params{
		Conn:     conn,
		Adapter:  s.deps.Adapter,
		Cfg:      s.cfg,
		DB:       s.deps.DB,
		Queue:    s.deps.Queue,
		LLM:      s.deps.LLM,
		RAG:      s.deps.RAG,
		Calendar: s.deps.Calendar,
		Leads:    s.deps.Leads,
		NewSTT:   s.deps.NewSTT,
		Synth:    s.deps.Synth,
		Latency:  s.deps.Latency,
		Log:      s.log,
		Met:      s.met,
		OnStarted: func(sess *session.Session) {
			if err := s.registry.Add(sess); err != nil {
				s.log.Warn().Err(err).Msg("session registration rejected")
			}
		},
	})

	if err := sess.Run(c.Request().Context()); err != nil {
		s.log.Error().Err(err).Str("call_id", sess.CallID()).Msg("session ended with error")
	}
	s.registry.Remove(sess.CallID())
	return nil
}
