package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zapcrm/bridge/pkg/channels"
	"github.com/zapcrm/bridge/pkg/logger"
	"github.com/zapcrm/bridge/pkg/mail"
)

const (
	mailStatusConfigured = "CONFIGURED"
	mailStatusMissing    = "MISSING_CREDENTIALS"

	whatsappSendTimeout = 10 * time.Second
	emailSendTimeout    = 30 * time.Second
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	mailStatus := mailStatusMissing
	if s.mailer.Configured() {
		mailStatus = mailStatusConfigured
	}

	writeJSON(w, map[string]string{
		"messaging": string(s.whatsapp.Status()),
		"mail":      mailStatus,
		"server":    "ONLINE",
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.whatsapp.Status() == channels.StateReady {
		writeJSON(w, map[string]string{
			"status":  "CONNECTED",
			"message": "WhatsApp já está conectado",
		})
		return
	}

	code := s.whatsapp.QRCode()
	if code == "" {
		writeError(w, http.StatusNotFound, "QR Code não disponível. Aguarde ou reinicie a conexão.")
		return
	}

	image, err := channels.RenderQRDataURI(code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"qrImage": image})
}

func (s *Server) handleMailConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Host   string `json:"host"`
		Port   int    `json:"port"`
		User   string `json:"user"`
		Pass   string `json:"pass"`
		Secure *bool  `json:"secure"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := mail.Config{
		Host: body.Host,
		Port: body.Port,
		Auth: mail.Auth{User: body.User, Pass: body.Pass},
	}
	// The frontend omits the flag; implicit TLS is keyed off the standard port.
	if body.Secure != nil {
		cfg.Secure = *body.Secure
	} else {
		cfg.Secure = body.Port == 465
	}

	if err := s.mailer.Configure(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleSendWhatsApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Number  string `json:"number"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Fail fast: never hand a send to a channel that cannot deliver it.
	if s.whatsapp.Status() != channels.StateReady {
		writeError(w, http.StatusBadRequest, "WhatsApp não está conectado. Escaneie o QR Code primeiro.")
		return
	}
	if body.Number == "" || body.Message == "" {
		writeError(w, http.StatusBadRequest, "Número e mensagem são obrigatórios")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), whatsappSendTimeout)
	defer cancel()

	if err := s.whatsapp.Send(ctx, body.Number, body.Message); err != nil {
		logger.ErrorCF("server", "WhatsApp send failed", map[string]interface{}{
			"number": body.Number,
			"error":  err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		To       string `json:"to"`
		Subject  string `json:"subject"`
		HTML     string `json:"html"`
		FromName string `json:"fromName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.mailer.Configured() {
		writeError(w, http.StatusBadRequest, "SMTP Offline / Não configurado")
		return
	}
	if body.To == "" {
		writeError(w, http.StatusBadRequest, "Destinatário é obrigatório")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), emailSendTimeout)
	defer cancel()

	if err := s.mailer.Send(ctx, body.To, body.Subject, body.HTML, body.FromName); err != nil {
		logger.ErrorCF("server", "Email send failed", map[string]interface{}{
			"to":    body.To,
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

// handleWhatsAppInit is the manual re-initialization trigger for a channel
// parked in DISCONNECTED after an auth failure. The connect runs in the
// background; progress is observable via /status and the WebSocket push.
func (s *Server) handleWhatsAppInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	go func() {
		if err := s.whatsapp.Initialize(context.Background()); err != nil {
			logger.ErrorCF("server", "WhatsApp re-initialization failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": "Reinicialização iniciada",
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
