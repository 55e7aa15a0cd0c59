// Package gateway serves the caller websocket and the operator REST API.
//
// A caller connects to the voice-support path with its client id and audio
// sample rate:
//
//	ws://host:8080/voice-support?clientId=abc&sampleRate=16000
//
// Connecting with a client id that still has a live session resumes it.
// Text frames carry protocol messages; binary frames are raw audio chunks.
package gateway

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/handoff"
	"github.com/teslashibe/go-voicedesk/pkg/metrics"
	"github.com/teslashibe/go-voicedesk/pkg/pipeline"
	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/reconnect"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/store"
)

// DefaultPath is the caller websocket path.
const DefaultPath = "/voice-support"

// ReasonStartFailed closes a session whose transcription stream could not
// be opened.
const ReasonStartFailed = "start_failed"

// DefaultSampleRates are the accepted caller audio rates.
var DefaultSampleRates = []int{8000, 16000, 22050, 44100, 48000}

const (
	localIP        = "ip"
	localUserAgent = "user_agent"
	beginTimeout   = 10 * time.Second
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithPath sets the websocket path.
func WithPath(p string) Option {
	return func(g *Gateway) { g.path = p }
}

// WithSampleRates sets the accepted sample rates.
func WithSampleRates(rates []int) Option {
	return func(g *Gateway) { g.sampleRates = rates }
}

// WithStore enables the interaction analytics endpoints.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway binds caller connections to sessions.
type Gateway struct {
	registry   *session.Registry
	pipeline   *pipeline.Orchestrator
	supervisor *reconnect.Supervisor
	handoff    *handoff.Coordinator

	store       store.Store
	metrics     *metrics.Metrics
	logger      *zap.Logger
	path        string
	sampleRates []int

	connections      atomic.Int64
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	audioChunks      atomic.Uint64
}

// New creates a gateway.
func New(reg *session.Registry, orch *pipeline.Orchestrator, sup *reconnect.Supervisor, coord *handoff.Coordinator, opts ...Option) *Gateway {
	g := &Gateway{
		registry:    reg,
		pipeline:    orch,
		supervisor:  sup,
		handoff:     coord,
		logger:      zap.NewNop(),
		path:        DefaultPath,
		sampleRates: DefaultSampleRates,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "gateway"))
	return g
}

// RegisterRoutes registers the caller websocket route on app.
func (g *Gateway) RegisterRoutes(app *fiber.App) {
	app.Use(g.path, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(localIP, c.IP())
		c.Locals(localUserAgent, c.Get(fiber.HeaderUserAgent))
		return c.Next()
	})
	app.Get(g.path, websocket.New(g.handleConn))
}

// handleConn runs one caller connection until it closes.
func (g *Gateway) handleConn(c *websocket.Conn) {
	tr := newTransport(c, func() { g.messagesSent.Add(1) })
	g.connections.Add(1)
	defer g.connections.Add(-1)

	clientID := c.Query("clientId")
	rate, err := strconv.Atoi(c.Query("sampleRate"))
	switch {
	case clientID == "":
		g.reject(tr, "clientId is required")
		return
	case err != nil || !slices.Contains(g.sampleRates, rate):
		g.reject(tr, "unsupported sample rate: "+c.Query("sampleRate"))
		return
	}

	sess, created, err := g.registry.Create(clientID, session.Params{
		SampleRate: rate,
		Client:     clientInfo(c),
		Transport:  tr,
	})
	if err != nil {
		g.reject(tr, err.Error())
		return
	}

	log := g.logger.With(zap.String("session_id", sess.ID()), zap.String("conn_id", tr.id))
	if created {
		ctx, cancel := context.WithTimeout(context.Background(), beginTimeout)
		err := g.pipeline.Begin(ctx, sess)
		cancel()
		if err != nil {
			log.Warn("session start failed", zap.Error(err))
			g.sendError(tr, protocol.CodeConnectionError, "Unable to start the call", -1)
			g.supervisor.Finalize(context.Background(), sess.ID(), ReasonStartFailed)
			return
		}
		log.Info("caller connected", zap.Int("sample_rate", rate))
	} else {
		err := g.supervisor.Reconnected(sess, tr)
		if errors.Is(err, reconnect.ErrSessionClosed) {
			log.Info("session retired before reconnect")
			g.sendError(tr, protocol.CodeSessionNotFound, "Session not found or expired", -1)
			if err := tr.Close(); err != nil {
				log.Debug("close connection", zap.Error(err))
			}
			return
		}
		if err != nil {
			log.Debug("session_restored not delivered", zap.Error(err))
		}
		if snap := sess.Snapshot(); snap.SampleRate != rate {
			log.Info("reconnect kept negotiated sample rate",
				zap.Int("negotiated", snap.SampleRate),
				zap.Int("requested", rate))
		}
	}

	defer g.supervisor.Disconnected(sess, tr)
	g.readLoop(c, sess, tr, log)
}

func (g *Gateway) readLoop(c *websocket.Conn, sess *session.Session, tr *wsTransport, log *zap.Logger) {
	ctx := context.Background()
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			log.Debug("read loop ended", zap.Error(err))
			return
		}
		g.messagesReceived.Add(1)

		if mt == websocket.BinaryMessage {
			g.audio(ctx, sess, data, log)
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			g.sendError(tr, protocol.CodeInvalidMessage, "malformed message", -1)
			continue
		}
		g.metrics.RecordMessage("in", string(msg.Type))
		g.dispatch(ctx, sess, tr, msg, log)
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *session.Session, tr *wsTransport, msg *protocol.Message, log *zap.Logger) {
	switch msg.Type {
	case protocol.TypeAudioChunk:
		audio, err := msg.GetAudioChunk()
		if err != nil {
			g.sendError(tr, protocol.CodeInvalidMessage, "invalid audio_chunk", -1)
			return
		}
		g.audio(ctx, sess, audio, log)

	case protocol.TypeSpeechEnd:
		if err := g.pipeline.SpeechEnd(sess); err != nil && !errors.Is(err, session.ErrQueueFull) {
			log.Debug("speech_end ignored", zap.Error(err))
		}

	case protocol.TypeVADUpdate:
		d, err := msg.GetVADUpdate()
		if err != nil {
			g.sendError(tr, protocol.CodeInvalidMessage, "invalid vad_update", -1)
			return
		}
		g.pipeline.VADUpdate(sess, d.Speaking)

	case protocol.TypeRestoreSession:
		d, err := msg.GetRestoreSession()
		if err != nil {
			g.sendError(tr, protocol.CodeInvalidMessage, "invalid restore_session", -1)
			return
		}
		g.restore(sess, tr, d.SessionID, log)

	case protocol.TypeEndCall:
		g.pipeline.EndCall(sess)

	case protocol.TypePing:
		sess.Touch()
		var id string
		if d, err := msg.GetPingData(); err == nil {
			id = d.ID
		}
		pong, err := protocol.NewPongMessage(id, msg.Timestamp, time.Now().UnixMilli())
		if err == nil {
			err = tr.Send(pong)
		}
		if err != nil {
			log.Debug("pong not delivered", zap.Error(err))
		}

	default:
		g.sendError(tr, protocol.CodeInvalidMessage, "unsupported message type: "+string(msg.Type), -1)
	}
}

func (g *Gateway) audio(ctx context.Context, sess *session.Session, chunk []byte, log *zap.Logger) {
	g.audioChunks.Add(1)
	if err := g.pipeline.AudioChunk(ctx, sess, chunk); err != nil && !errors.Is(err, session.ErrClosed) {
		log.Debug("audio chunk dropped", zap.Error(err))
	}
}

func (g *Gateway) restore(sess *session.Session, tr *wsTransport, id string, log *zap.Logger) {
	err := g.supervisor.Restore(sess, tr, id)
	switch {
	case err == nil:
	case errors.Is(err, reconnect.ErrSessionClosed):
		g.sendError(tr, protocol.CodeSessionNotFound, "Session not found or expired", -1)
	case errors.Is(err, reconnect.ErrSessionMismatch):
		if _, ok := g.registry.Get(id); !ok {
			g.sendError(tr, protocol.CodeSessionNotFound, "Session not found or expired", -1)
			return
		}
		g.sendError(tr, protocol.CodeSessionMismatch, "Session belongs to another client", -1)
	default:
		log.Debug("session_restored not delivered", zap.Error(err))
	}
}

// reject refuses a connection before any session exists.
func (g *Gateway) reject(tr *wsTransport, message string) {
	g.logger.Info("connection rejected", zap.String("reason", message))
	g.sendError(tr, protocol.CodeConnectionError, message, -1)
	if err := tr.Close(); err != nil {
		g.logger.Debug("close rejected connection", zap.Error(err))
	}
}

func (g *Gateway) sendError(tr *wsTransport, code, message string, retriesLeft int) {
	msg, err := protocol.NewErrorMessage(code, message, retriesLeft)
	if err == nil {
		err = tr.Send(msg)
	}
	if err != nil {
		g.logger.Debug("error not delivered", zap.String("code", code), zap.Error(err))
		return
	}
	g.metrics.RecordMessage("out", string(protocol.TypeError))
}

func clientInfo(c *websocket.Conn) session.ClientInfo {
	ip, _ := c.Locals(localIP).(string)
	ua, _ := c.Locals(localUserAgent).(string)
	return session.ClientInfo{IP: ip, UserAgent: ua}
}

// Stats contains gateway statistics.
type Stats struct {
	Sessions         int                   `json:"sessions"`
	Connected        int                   `json:"connected"`
	Connections      int64                 `json:"connections"`
	ByState          map[session.State]int `json:"by_state"`
	ByVAD            map[string]int        `json:"by_vad_status"`
	HandoffQueue     int                   `json:"handoff_queue"`
	MessagesReceived uint64                `json:"messages_received"`
	MessagesSent     uint64                `json:"messages_sent"`
	AudioChunks      uint64                `json:"audio_chunks"`
}

// GetStats returns gateway statistics.
func (g *Gateway) GetStats() Stats {
	st := Stats{
		Connections:      g.connections.Load(),
		ByState:          map[session.State]int{},
		ByVAD:            map[string]int{},
		HandoffQueue:     g.handoff.Queue().Len(),
		MessagesReceived: g.messagesReceived.Load(),
		MessagesSent:     g.messagesSent.Load(),
		AudioChunks:      g.audioChunks.Load(),
	}
	for _, s := range g.registry.Sessions() {
		info := s.Info()
		st.Sessions++
		if info.Connected {
			st.Connected++
		}
		st.ByState[info.State]++
		st.ByVAD[string(info.VADStatus)]++
	}
	return st
}
