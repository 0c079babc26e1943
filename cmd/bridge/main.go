package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zapcrm/bridge/pkg/bus"
	"github.com/zapcrm/bridge/pkg/channels"
	"github.com/zapcrm/bridge/pkg/config"
	"github.com/zapcrm/bridge/pkg/logger"
	"github.com/zapcrm/bridge/pkg/mail"
	"github.com/zapcrm/bridge/pkg/server"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)

	statusBus := bus.New()
	whatsapp := channels.NewWhatsAppChannel(cfg.WhatsApp, statusBus)
	mailer := mail.NewMailer(cfg.DataDir)
	srv := server.New(cfg.Server, whatsapp, mailer, statusBus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			fmt.Fprintf(os.Stderr, "Port %d is already in use. Is another bridge instance running?\n", cfg.Server.Port)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to start bridge server: %v\n", err)
		}
		os.Exit(1)
	}

	// Messaging startup is async and non-fatal: the facade keeps reporting
	// DISCONNECTED if the channel never comes up.
	go func() {
		if err := whatsapp.Initialize(ctx); err != nil {
			logger.ErrorCF("main", "WhatsApp initialization failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("main", "Bridge running", map[string]interface{}{
		"port": cfg.Server.Port,
	})

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")
	whatsapp.Stop()
	srv.Stop()
}
