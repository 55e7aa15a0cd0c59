package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voicedesk/internal/config"
	"github.com/teslashibe/go-voicedesk/internal/log"
	"github.com/teslashibe/go-voicedesk/pkg/gateway"
	"github.com/teslashibe/go-voicedesk/pkg/handoff"
	"github.com/teslashibe/go-voicedesk/pkg/metrics"
	"github.com/teslashibe/go-voicedesk/pkg/pipeline"
	"github.com/teslashibe/go-voicedesk/pkg/reasoning"
	"github.com/teslashibe/go-voicedesk/pkg/reconnect"
	"github.com/teslashibe/go-voicedesk/pkg/server"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/store"
	"github.com/teslashibe/go-voicedesk/pkg/stt"
	"github.com/teslashibe/go-voicedesk/pkg/tts"
	"github.com/teslashibe/go-voicedesk/pkg/vad"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

const closeReasonShutdown = "shutdown"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice support server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.L()
	m := metrics.New(cfg.Metrics.Namespace)

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	transcriber, closeSTT, err := newTranscriber(cfg.Transcription, logger)
	if err != nil {
		return err
	}
	defer closeSTT()

	reasoner, err := newReasoner(ctx, cfg.Reasoning, logger)
	if err != nil {
		return err
	}

	synthesizer, closeTTS, err := newSynthesizer(cfg.Synthesis, logger)
	if err != nil {
		return err
	}
	defer closeTTS()

	reg := session.NewRegistry(
		session.WithLogger(logger),
		session.WithKeyPrefix(cfg.Session.KeyPrefix),
		session.WithQueueSize(cfg.Session.QueueSize),
		session.WithHooks(session.Hooks{
			Created: func(*session.Session) { m.RecordSessionStart() },
			Closed: func(s *session.Session, reason string) {
				m.RecordSessionEnd(reason, time.Since(s.Snapshot().CreatedAt))
			},
			VADChanged: func(from, to vad.Status) { m.RecordVAD(string(from), string(to)) },
		}),
	)

	sup := reconnect.New(reg,
		reconnect.WithConfig(reconnect.Config{
			GracePeriod:     cfg.Session.GracePeriod,
			InactiveTimeout: cfg.Session.InactiveTimeout,
			SweepInterval:   cfg.Session.SweepInterval,
			FinalizeTimeout: reconnect.DefaultConfig().FinalizeTimeout,
		}),
		reconnect.WithRecorder(st),
		reconnect.WithStreams(transcriber),
		reconnect.WithLogger(logger),
	)

	coord := handoff.NewCoordinator(sup,
		handoff.WithMetrics(m),
		handoff.WithLogger(logger),
	)

	pcfg := pipeline.DefaultConfig()
	pcfg.MaxRetries = cfg.Session.MaxRetries
	pcfg.SpeechEndTimeout = cfg.Session.SpeechEndTimeout
	orch, err := pipeline.New(pipeline.Deps{
		Registry:    reg,
		Transcriber: transcriber,
		Reasoner:    reasoner,
		Synthesizer: synthesizer,
		Recorder:    st,
		Handoff:     coord,
		Supervisor:  sup,
	},
		pipeline.WithConfig(pcfg),
		pipeline.WithMetrics(m),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	gw := gateway.New(reg, orch, sup, coord,
		gateway.WithPath(cfg.Server.Path),
		gateway.WithSampleRates(cfg.Session.AllowedSampleRates),
		gateway.WithStore(st),
		gateway.WithMetrics(m),
		gateway.WithLogger(logger),
	)

	scfg := server.DefaultConfig()
	scfg.Addr = cfg.Server.Addr
	scfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	scfg.Metrics = m
	scfg.Logger = logger
	srv := server.New(scfg, gw)

	logger.Info("voicedesk starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("path", cfg.Server.Path),
		zap.String("stt", cfg.Transcription.Provider),
		zap.String("reasoning", cfg.Reasoning.Provider),
		zap.String("tts", cfg.Synthesis.Provider),
		zap.String("store", cfg.Store.Driver))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })

	err = g.Wait()
	reg.CloseAll(closeReasonShutdown)
	logger.Info("voicedesk stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, c config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	if c.Driver == config.DriverMemory {
		return store.NewMemory(), nil
	}
	db, err := store.Open(c.Driver, c.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newTranscriber(c config.TranscriptionConfig, logger *zap.Logger) (voice.Transcriber, func(), error) {
	if c.Provider == config.ProviderMock {
		return stt.NewMock(), func() {}, nil
	}
	d, err := stt.NewDeepgram(
		stt.WithAPIKey(c.APIKey),
		stt.WithURL(c.URL),
		stt.WithModel(c.Model),
		stt.WithLanguage(c.Language),
		stt.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("transcription: %w", err)
	}
	return d, func() { d.Close() }, nil
}

func newReasoner(ctx context.Context, c config.ReasoningConfig, logger *zap.Logger) (voice.Reasoner, error) {
	if c.Provider == config.ProviderMock {
		return reasoning.NewMock(), nil
	}
	g, err := reasoning.NewGemini(ctx,
		reasoning.WithAPIKey(c.APIKey),
		reasoning.WithModel(c.Model),
		reasoning.WithTemperature(c.Temperature),
		reasoning.WithMaxTokens(c.MaxTokens),
		reasoning.WithKnowledge(reasoning.DefaultArticles, c.KnowledgeTTL),
		reasoning.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("reasoning: %w", err)
	}
	return g, nil
}

func newSynthesizer(c config.SynthesisConfig, logger *zap.Logger) (voice.Synthesizer, func(), error) {
	if c.Provider == config.ProviderMock {
		return tts.NewMock(), func() {}, nil
	}
	opts := []tts.Option{
		tts.WithAPIKey(c.APIKey),
		tts.WithModel(c.Model),
		tts.WithTimeout(c.Timeout),
		tts.WithLogger(logger),
	}
	if c.BaseURL != "" {
		opts = append(opts, tts.WithBaseURL(c.BaseURL))
	}
	e, err := tts.NewElevenLabs(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesis: %w", err)
	}
	return e, func() { e.Close() }, nil
}
