package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-parley/internal/log"
	"github.com/teslashibe/go-parley/pkg/conversation"
	"github.com/teslashibe/go-parley/pkg/tools"
)

// Source is the conversation being observed. *conversation.Engine
// implements it.
type Source interface {
	SubscribeAll(fn func(conversation.Event)) func()
	State() conversation.State
	Metrics() *conversation.Metrics
	Tools() []tools.Tool
}

// Config configures the monitor server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8090".
	Addr string `yaml:"addr" json:"addr"`

	// History is the number of recent events kept for /api/events and
	// replayed to new websocket clients.
	History int `yaml:"history" json:"history"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config that listens on localhost only.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8090", History: 200}
}

// Status is the snapshot served at /api/status.
type Status struct {
	State          conversation.State `json:"state"`
	Connected      bool               `json:"connected"`
	Listening      bool               `json:"listening"`
	Speaking       bool               `json:"speaking"`
	Turns          int                `json:"turns"`
	Errors         int                `json:"errors"`
	LastError      string             `json:"last_error,omitempty"`
	LastTranscript string             `json:"last_transcript,omitempty"`
	LastText       string             `json:"last_text,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MetricsInfo is the latency summary served at /api/metrics.
type MetricsInfo struct {
	Turns             int    `json:"turns"`
	AvgFirstAudioMs   int64  `json:"avg_first_audio_ms"`
	AvgTotalMs        int64  `json:"avg_total_ms"`
	CurrentFramesSent int    `json:"current_frames_sent"`
	Summary           string `json:"summary"`
}

// Server is the monitor HTTP server.
type Server struct {
	cfg    Config
	app    *fiber.App
	hub    *Hub
	logger *slog.Logger

	mu      sync.RWMutex
	source  Source
	status  Status
	history []conversation.Event
}

// NewServer creates a monitor server.
func NewServer(cfg Config) *Server {
	if cfg.History <= 0 {
		cfg.History = DefaultConfig().History
	}
	logger := log.Or(cfg.Logger).With("component", "monitor")
	s := &Server{
		cfg:     cfg,
		hub:     NewHub("events", logger),
		logger:  logger,
		history: make([]conversation.Event, 0, cfg.History),
	}

	app := fiber.New(fiber.Config{
		AppName:               "parley monitor",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/events", s.handleEvents)
	api.Get("/tools", s.handleTools)
	api.Get("/metrics", s.handleMetrics)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Attach starts relaying events from src. The returned function detaches.
func (s *Server) Attach(src Source) func() {
	s.mu.Lock()
	s.source = src
	s.status.State = src.State()
	s.mu.Unlock()
	return src.SubscribeAll(s.Record)
}

// Record folds ev into the status, keeps it in the history and broadcasts
// it to websocket clients.
func (s *Server) Record(ev conversation.Event) {
	s.mu.Lock()
	st := &s.status
	st.State = ev.State
	st.UpdatedAt = ev.Time
	switch ev.Type {
	case conversation.EventReady:
		st.Connected = true
		st.Listening = false
		st.Speaking = false
	case conversation.EventListening:
		st.Listening = true
	case conversation.EventAIResponseReady:
		if ev.Transcript != "" {
			st.LastTranscript = ev.Transcript
		}
		if ev.Text != "" {
			st.LastText = ev.Text
		}
	case conversation.EventAISpeaking:
		st.Speaking = true
	case conversation.EventWaitingForUser:
		st.Speaking = false
		st.Turns++
	case conversation.EventError:
		st.Errors++
		st.LastError = string(ev.Kind) + ": " + ev.Message
	case conversation.EventEnded:
		st.Connected = false
		st.Listening = false
		st.Speaking = false
	}

	s.history = append(s.history, ev)
	if len(s.history) > s.cfg.History {
		s.history = s.history[1:]
	}
	s.mu.Unlock()

	if err := s.hub.BroadcastJSON(ev); err != nil {
		s.logger.Warn("failed to encode event", "type", ev.Type, "error", err)
	}
}

// Status returns the current snapshot.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Events returns the retained event history, oldest first.
func (s *Server) Events() []conversation.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]conversation.Event(nil), s.history...)
}

// Hub returns the event broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve runs the hub and serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()
	s.logger.Info("monitor listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.logger.Warn("monitor shutdown failed", "error", err)
		}
		return nil
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Addr == "" {
		return errors.New("monitor: listen address is required")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Status())
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	events := s.Events()
	if limit := c.QueryInt("limit", 0); limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	return c.JSON(events)
}

func (s *Server) handleTools(c *fiber.Ctx) error {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()

	infos := []ToolInfo{}
	if src != nil {
		for _, t := range src.Tools() {
			infos = append(infos, ToolInfo{Name: t.Name, Description: t.Description})
		}
	}
	return c.JSON(infos)
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "no conversation attached",
		})
	}

	m := src.Metrics()
	avg := m.Average()
	return c.JSON(MetricsInfo{
		Turns:             m.Turns(),
		AvgFirstAudioMs:   avg.FirstAudio.Milliseconds(),
		AvgTotalMs:        avg.TotalLatency.Milliseconds(),
		CurrentFramesSent: m.Current().FramesSent,
		Summary:           avg.FormatLatency(),
	})
}

func (s *Server) handleEventsWS(conn *websocket.Conn) {
	var backlog [][]byte
	if conn.Query("replay") == "1" {
		for _, ev := range s.Events() {
			if data, err := json.Marshal(ev); err == nil {
				backlog = append(backlog, data)
			}
		}
	}
	s.hub.serve(conn, backlog)
}
