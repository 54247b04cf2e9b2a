package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/festnoze/voice-gateway/internal/audio"
	"github.com/festnoze/voice-gateway/internal/booking"
	"github.com/festnoze/voice-gateway/internal/config"
	"github.com/festnoze/voice-gateway/internal/httpserver"
	"github.com/festnoze/voice-gateway/internal/latency"
	"github.com/festnoze/voice-gateway/internal/llm"
	"github.com/festnoze/voice-gateway/internal/logging"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/provider"
	"github.com/festnoze/voice-gateway/internal/rag"
	"github.com/festnoze/voice-gateway/internal/store"
	"github.com/festnoze/voice-gateway/internal/stt"
	"github.com/festnoze/voice-gateway/internal/tts"
)

const retryQueueCapacity = 256

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		TimeFormat: logging.DefaultConfig().TimeFormat,
		Dir:        cfg.LogDir,
		RemoveOld:  cfg.RemoveLogsOnStartup,
	}); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	met := metrics.New()

	db, err := store.New(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	lat, err := latency.NewWriter(cfg.LogDir)
	if err != nil {
		return err
	}
	defer lat.Close()

	queue := store.NewRetryQueue(db, retryQueueCapacity, log.Logger, met,
		func(op store.WriteOp, err error) {
			log.Error().Err(err).Str("op", op.Describe).Msg("persistence write dropped")
			if werr := lat.Write(latency.Turn{
				Note: "dropped persistence write: " + op.Describe + ": " + err.Error(),
			}.ToRecord()); werr != nil {
				log.Error().Err(werr).Msg("latency note write failed")
			}
		})
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stop()
		queue.Stop(stopCtx)
	}()

	adapter, err := provider.New(cfg.PhoneProvider, cfg)
	if err != nil {
		return err
	}

	chat, err := llm.New(cfg.LLMProvider, cfg)
	if err != nil {
		return err
	}

	synth, err := tts.New(cfg.TTSProvider, cfg)
	if err != nil {
		return err
	}

	newSTT, err := sttFactory(cfg)
	if err != nil {
		return err
	}

	deps := httpserver.Deps{
		Adapter: adapter,
		DB:      db,
		Queue:   queue,
		LLM:     chat,
		NewSTT:  newSTT,
		Synth:   synth,
		Latency: lat,
	}
	if cfg.RAGBaseURL != "" {
		ragClient := rag.New(cfg)
		if err := ragClient.Ping(context.Background(), cfg.RAGTestTimeout); err != nil {
			log.Warn().Err(err).Msg("knowledge base unreachable at startup")
		}
		deps.RAG = ragClient
	}
	if cfg.CalendarBaseURL != "" {
		deps.Calendar = booking.NewCalendar(cfg)
	}
	if cfg.LeadsBaseURL != "" {
		deps.Leads = booking.NewLeads(cfg)
	}

	srv := httpserver.New(cfg, deps, log.Logger, met)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.HTTPAddress).Str("provider", cfg.PhoneProvider).
			Msg("voice gateway listening")
		serverErrors <- srv.Start(cfg.HTTPAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func sttFactory(cfg config.Config) (func(track audio.Track) (stt.Session, error), error) {
	switch cfg.STTProvider {
	case "assemblyai":
		if cfg.AssemblyAIKey == "" {
			return nil, fmt.Errorf("stt: STT_PROVIDER=assemblyai requires ASSEMBLYAI_API_KEY")
		}
		return func(track audio.Track) (stt.Session, error) {
			return stt.NewAssemblyAI(cfg.AssemblyAIKey, track, log.Logger), nil
		}, nil
	case "fake":
		return func(track audio.Track) (stt.Session, error) {
			return stt.NewFake(track), nil
		}, nil
	default:
		return nil, fmt.Errorf("stt: unknown STT_PROVIDER %q", cfg.STTProvider)
	}
}
