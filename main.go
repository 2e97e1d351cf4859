package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genfity-pos-terminal/internal/api"
	"genfity-pos-terminal/internal/cart"
	"genfity-pos-terminal/internal/config"
	"genfity-pos-terminal/internal/display"
	"genfity-pos-terminal/internal/grouporder"
	"genfity-pos-terminal/internal/logger"
	"genfity-pos-terminal/internal/offline"
	"genfity-pos-terminal/internal/pos"
	"genfity-pos-terminal/internal/receipt"
	"genfity-pos-terminal/internal/storage"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logger.New(cfg.Env, cfg.MerchantCode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.MerchantCode == "" {
		log.Fatal("MERCHANT_CODE is required")
	}

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatal("storage init failed", zap.Error(err))
	}

	receipts, err := receipt.NewWriter(cfg.ReceiptDir)
	if err != nil {
		log.Fatal("receipt dir init failed", zap.Error(err))
	}

	client := api.NewClient(cfg.APIBaseURL, store, log)
	cartStore := cart.NewStore(store, log)
	queue := offline.NewQueue(store, client, cfg.OfflineProbePath, log)
	disp := display.New(log)

	terminal := pos.NewTerminal(client, cartStore, queue, disp, receipts, store, cfg.MerchantCode, cfg.HeldOrderTTL, log)

	group := grouporder.NewClient(client, store, cartStore, grouporder.Config{
		WSBaseURL:            cfg.WSBaseURL,
		PollInterval:         cfg.GroupOrderPollInterval,
		IdleTimeout:          cfg.GroupOrderIdleTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, log)
	group.SetHandlers(
		func(session api.GroupSession) {
			log.Info("group order session updated",
				zap.String("sessionCode", session.SessionCode),
				zap.String("status", session.Status),
				zap.Int("participants", len(session.Participants)))
		},
		func(status string) {
			log.Info("group order session ended", zap.String("status", status))
		},
	)
	defer group.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := terminal.Start(ctx); err != nil {
		log.Fatal("pos terminal start failed", zap.Error(err))
	}
	if _, err := group.Resume(ctx); err != nil {
		log.Warn("group order resume failed", zap.Error(err))
	}

	// Connectivity watchdog: probe the backend and replay the offline queue
	// as soon as it answers again.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wasOffline := !queue.Online()
				if queue.ProbeConnectivity(ctx) && (wasOffline || queue.Count() > 0) {
					report := terminal.SyncOffline(ctx)
					if len(report.Conflicts) > 0 {
						log.Warn("offline sync needs resolution", zap.Int("conflicts", len(report.Conflicts)))
					}
				}
			}
		}
	}()

	// Merchant orders feed doubles as a sync nudge.
	go terminal.RunOrdersFeed(ctx, cfg.WSBaseURL, func() {
		if queue.Count() > 0 {
			terminal.SyncOffline(ctx)
		}
	})

	displayServer := &http.Server{
		Addr:         cfg.DisplayAddr,
		Handler:      disp.Handler(cfg.Env, cfg.CorsAllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("customer display ready", zap.String("addr", cfg.DisplayAddr))
		if err := displayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("display server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := displayServer.Shutdown(ctxShutdown); err != nil {
		log.Error("display server shutdown failed", zap.Error(err))
	}
}
