// Package server is the HTTP facade of the bridge: it translates frontend
// calls into channel operations and pushes state transitions over WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zapcrm/bridge/pkg/bus"
	"github.com/zapcrm/bridge/pkg/channels"
	"github.com/zapcrm/bridge/pkg/config"
	"github.com/zapcrm/bridge/pkg/logger"
	"github.com/zapcrm/bridge/pkg/mail"
)

// MessagingChannel is the narrow view the facade needs of the WhatsApp
// adapter.
type MessagingChannel interface {
	Status() channels.State
	QRCode() string
	Send(ctx context.Context, number, message string) error
	Initialize(ctx context.Context) error
}

// MailSender is the facade's view of the mail adapter.
type MailSender interface {
	Configured() bool
	Configure(cfg mail.Config) error
	Send(ctx context.Context, to, subject, html, fromName string) error
}

type Server struct {
	config     config.ServerConfig
	whatsapp   MessagingChannel
	mailer     MailSender
	statusBus  *bus.StatusBus
	hub        *Hub
	httpServer *http.Server
}

func New(cfg config.ServerConfig, whatsapp MessagingChannel, mailer MailSender, statusBus *bus.StatusBus) *Server {
	return &Server{
		config:    cfg,
		whatsapp:  whatsapp,
		mailer:    mailer,
		statusBus: statusBus,
	}
}

// routes builds the full handler chain: route table wrapped in the CORS/PNA
// middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/qr", s.handleQR)
	mux.HandleFunc("/config/mail", s.handleMailConfig)
	mux.HandleFunc("/send-whatsapp", s.handleSendWhatsApp)
	mux.HandleFunc("/send-email", s.handleSendEmail)
	mux.HandleFunc("/whatsapp/init", s.handleWhatsAppInit)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.handleWebSocket)
	}
	return s.corsMiddleware(mux)
}

// Start binds the listener and begins serving. A bind failure (typically the
// port already being in use) is returned synchronously so the supervisor can
// turn it into an operator diagnostic.
func (s *Server) Start(ctx context.Context) error {
	s.hub = NewHub(s.statusBus)
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("server", "Bridge server started", map[string]interface{}{
			"address": addr,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("server", "Bridge server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
		logger.InfoC("server", "Bridge server stopped")
	}
}

// corsMiddleware negotiates access-control headers on every request. With an
// Origin present the exact origin is reflected together with the credentials
// flag (never a wildcard, browsers reject that combination); without one a
// wildcard serves server-to-server callers. The Private-Network-Access
// header is set unconditionally so a public frontend may call this
// private-network address. Preflights short-circuit before any route.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case s.config.AllowAnyOriginWithCredentials || s.originAllowed(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Private-Network", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}
