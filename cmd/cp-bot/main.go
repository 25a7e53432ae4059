package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/adapter/cppresenter"
	"github.com/park285/cpduel-kakao-bot/internal/config"
	"github.com/park285/cpduel-kakao-bot/internal/cpbuilder"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/internal/irisfast"
	"github.com/park285/cpduel-kakao-bot/internal/msgcat"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/opsapi"
)

// commandTimeout bounds one chat command including judge calls and the reply.
const commandTimeout = 30 * time.Second

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	closeLog, err := obslog.Init(obslog.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = closeLog() }()
	logger := obslog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	headers := irisfast.HeaderSet(cfg.XUserID, cfg.XUserEmail, cfg.XSessionID)
	client := irisfast.NewClient(cfg.IrisBaseURL, fastcall.WithHeaderProvider(headers))
	ws := irisfast.NewWebSocket(cfg.IrisWSURL, 5, time.Second)
	ws.SetHeaderProvider(headers)

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_load_failed", zap.Error(err))
	}
	formatter := cppresenter.NewFormatter(cat, cppresenter.StaticPrefix(cfg.BotPrefix), cfg.ProposalTTL)
	presenter := cppresenter.NewPresenter(irisfast.NewEgress(cfg.EgressMode, cfg.DryRun, client, ws))

	deps, err := cpbuilder.New(ctx, cfg, cppresenter.NewNotifier(formatter, presenter))
	if err != nil {
		logger.Fatal("init_failed", zap.Error(err))
	}
	defer func() { _ = deps.Close() }()

	handler := cppresenter.NewHandler(deps.Commands, formatter, presenter, cfg.AllowedRooms)
	var inflight sync.WaitGroup
	ws.OnMessage(func(msg *irisfast.Message) {
		if !handler.Accepts(msg) {
			return
		}
		// keep the read loop free
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			if err := handler.Handle(cctx, msg); err != nil {
				logger.Warn("reply_failed", zap.String("room", msg.Room), zap.Error(err))
			}
		}()
	})

	if err := deps.Scheduler.Start(ctx); err != nil {
		logger.Fatal("scheduler_start_failed", zap.Error(err))
	}

	router := opsapi.NewRouter(opsapi.Deps{
		Duels:     deps.Duels,
		Scheduler: deps.Scheduler,
		Metrics:   deps.Metrics,
		Ready:     deps.Ready,
	})
	opsErr := make(chan error, 1)
	go func() { opsErr <- opsapi.Serve(ctx, cfg.OpsAddr, router) }()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ws.Connect(cctx); err != nil {
		// Connect keeps retrying in the background.
		logger.Warn("ws_connect_failed", zap.Error(err))
	}
	cancel()
	logger.Info("bot_started",
		zap.String("prefix", cfg.BotPrefix),
		zap.String("egress", cfg.EgressMode),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("contests", deps.Contests != nil),
		zap.Bool("postgres", deps.DB != nil))

	select {
	case <-ctx.Done():
	case err := <-opsErr:
		if err != nil {
			logger.Error("ops_server_failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := ws.Close(shutdownCtx); err != nil {
		logger.Warn("ws_close_failed", zap.Error(err))
	}
	if err := deps.Scheduler.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("scheduler_shutdown_failed", zap.Error(err))
	}
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("commands_abandoned")
	}
	logger.Info("bot_stopped")
}
