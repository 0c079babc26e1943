package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapcrm/bridge/pkg/bus"
	"github.com/zapcrm/bridge/pkg/channels"
	"github.com/zapcrm/bridge/pkg/config"
	"github.com/zapcrm/bridge/pkg/mail"
)

type sendCall struct {
	number  string
	message string
}

type fakeChannel struct {
	mu      sync.Mutex
	state   channels.State
	qr      string
	sendErr error
	sent    []sendCall
	inited  bool
}

func (f *fakeChannel) Status() channels.State { return f.state }
func (f *fakeChannel) QRCode() string         { return f.qr }

func (f *fakeChannel) Send(ctx context.Context, number, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sendCall{number, message})
	return f.sendErr
}

func (f *fakeChannel) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inited = true
	return nil
}

func (f *fakeChannel) sentCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sent...)
}

func (f *fakeChannel) initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inited
}

type emailCall struct {
	to, subject, html, fromName string
}

type fakeMailer struct {
	configured bool
	cfg        mail.Config
	cfgErr     error
	sendErr    error
	sent       []emailCall
}

func (f *fakeMailer) Configured() bool { return f.configured }

func (f *fakeMailer) Configure(cfg mail.Config) error {
	f.cfg = cfg
	return f.cfgErr
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, html, fromName string) error {
	f.sent = append(f.sent, emailCall{to, subject, html, fromName})
	return f.sendErr
}

func newTestServer(wa *fakeChannel, m *fakeMailer, cfg config.ServerConfig) http.Handler {
	s := New(cfg, wa, m, bus.New())
	return s.routes()
}

func permissiveConfig() config.ServerConfig {
	return config.ServerConfig{AllowAnyOriginWithCredentials: true}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var decoded map[string]interface{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

// --- /status ---

func TestStatus_Disconnected(t *testing.T) {
	h := newTestServer(&fakeChannel{state: channels.StateDisconnected}, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DISCONNECTED", body["messaging"])
	assert.Equal(t, "MISSING_CREDENTIALS", body["mail"])
	assert.Equal(t, "ONLINE", body["server"])
}

func TestStatus_ReadyAndConfigured(t *testing.T) {
	h := newTestServer(&fakeChannel{state: channels.StateReady}, &fakeMailer{configured: true}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "READY", body["messaging"])
	assert.Equal(t, "CONFIGURED", body["mail"])
}

// --- /qr ---

func TestQR_ChallengeAvailable(t *testing.T) {
	h := newTestServer(&fakeChannel{state: channels.StateQRReady, qr: "2@raw-challenge"}, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodGet, "/qr", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	image, _ := body["qrImage"].(string)
	assert.True(t, strings.HasPrefix(image, "data:image/png;base64,"))
}

func TestQR_AlreadyConnected(t *testing.T) {
	h := newTestServer(&fakeChannel{state: channels.StateReady}, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodGet, "/qr", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "CONNECTED", body["status"])
	assert.NotEmpty(t, body["message"])
}

func TestQR_NotAvailable(t *testing.T) {
	h := newTestServer(&fakeChannel{state: channels.StateDisconnected}, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodGet, "/qr", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotEmpty(t, body["error"])
}

// --- /config/mail ---

func TestMailConfig_AlwaysSucceeds(t *testing.T) {
	m := &fakeMailer{}
	h := newTestServer(&fakeChannel{}, m, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/config/mail",
		`{"host":"mail.example.com","port":587,"user":"u@example.com","pass":"p"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "mail.example.com", m.cfg.Host)
	assert.Equal(t, 587, m.cfg.Port)
	assert.Equal(t, "u@example.com", m.cfg.Auth.User)
	assert.False(t, m.cfg.Secure, "587 is not implicit TLS")
}

func TestMailConfig_SecureDerivedFromPort465(t *testing.T) {
	m := &fakeMailer{}
	h := newTestServer(&fakeChannel{}, m, permissiveConfig())

	doJSON(t, h, http.MethodPost, "/config/mail",
		`{"host":"smtp.gmail.com","port":465,"user":"u","pass":"p"}`)
	assert.True(t, m.cfg.Secure)
}

// --- /send-whatsapp ---

func TestSendWhatsApp_RejectedWhenNotReady(t *testing.T) {
	for _, state := range []channels.State{channels.StateDisconnected, channels.StateQRReady} {
		t.Run(string(state), func(t *testing.T) {
			wa := &fakeChannel{state: state}
			h := newTestServer(wa, &fakeMailer{}, permissiveConfig())

			rr, body := doJSON(t, h, http.MethodPost, "/send-whatsapp",
				`{"number":"11987654321","message":"hi"}`)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, wa.sentCalls(), "transport must not be invoked")
		})
	}
}

func TestSendWhatsApp_MissingFields(t *testing.T) {
	wa := &fakeChannel{state: channels.StateReady}
	h := newTestServer(wa, &fakeMailer{}, permissiveConfig())

	rr, _ := doJSON(t, h, http.MethodPost, "/send-whatsapp", `{"number":"","message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/send-whatsapp", `{"number":"11987654321","message":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Empty(t, wa.sentCalls())
}

func TestSendWhatsApp_Success(t *testing.T) {
	wa := &fakeChannel{state: channels.StateReady}
	h := newTestServer(wa, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/send-whatsapp",
		`{"number":"11987654321","message":"hi"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	require.Len(t, wa.sentCalls(), 1)
	assert.Equal(t, sendCall{"11987654321", "hi"}, wa.sentCalls()[0])
}

func TestSendWhatsApp_TransportFailure(t *testing.T) {
	wa := &fakeChannel{state: channels.StateReady, sendErr: errors.New("stream closed")}
	h := newTestServer(wa, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/send-whatsapp",
		`{"number":"11987654321","message":"hi"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, body["error"], "stream closed")
}

// --- /send-email ---

func TestSendEmail_RejectedWhenUnconfigured(t *testing.T) {
	m := &fakeMailer{configured: false}
	h := newTestServer(&fakeChannel{}, m, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/send-email",
		`{"to":"x@example.com","subject":"s","html":"<p>b</p>","fromName":"CRM"}`)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "SMTP Offline / Não configurado", body["error"])
	assert.Empty(t, m.sent, "transport must never be constructed")
}

func TestSendEmail_Success(t *testing.T) {
	m := &fakeMailer{configured: true}
	h := newTestServer(&fakeChannel{}, m, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/send-email",
		`{"to":"x@example.com","subject":"s","html":"<p>b</p>","fromName":"CRM"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	require.Len(t, m.sent, 1)
	assert.Equal(t, emailCall{"x@example.com", "s", "<p>b</p>", "CRM"}, m.sent[0])
}

func TestSendEmail_TransportFailure(t *testing.T) {
	m := &fakeMailer{configured: true, sendErr: errors.New("535 auth failed")}
	h := newTestServer(&fakeChannel{}, m, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/send-email",
		`{"to":"x@example.com","subject":"s"}`)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, body["error"], "535")
}

// --- /whatsapp/init ---

func TestWhatsAppInit_TriggersReinitialize(t *testing.T) {
	wa := &fakeChannel{state: channels.StateDisconnected}
	h := newTestServer(wa, &fakeMailer{}, permissiveConfig())

	rr, body := doJSON(t, h, http.MethodPost, "/whatsapp/init", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])

	assert.Eventually(t, wa.initialized, time.Second, 10*time.Millisecond)
}

// --- method guards ---

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(&fakeChannel{}, &fakeMailer{}, permissiveConfig())

	rr, _ := doJSON(t, h, http.MethodGet, "/send-whatsapp", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

// --- CORS / PNA ---

func TestCORS_NoOriginGetsWildcard(t *testing.T) {
	h := newTestServer(&fakeChannel{}, &fakeMailer{}, permissiveConfig())

	rr, _ := doJSON(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Private-Network"))
}

func TestCORS_OriginReflectedWithCredentials(t *testing.T) {
	h := newTestServer(&fakeChannel{}, &fakeMailer{}, permissiveConfig())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://x")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "http://x", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", rr.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	wa := &fakeChannel{state: channels.StateReady}
	h := newTestServer(wa, &fakeMailer{}, permissiveConfig())

	req := httptest.NewRequest(http.MethodOptions, "/send-whatsapp", nil)
	req.Header.Set("Origin", "http://crm.local")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, wa.sentCalls(), "preflight never reaches route handlers")
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Private-Network"))
}

func TestCORS_RestrictedModeUsesAllowList(t *testing.T) {
	cfg := config.ServerConfig{
		AllowAnyOriginWithCredentials: false,
		AllowedOrigins:                []string{"http://crm.local"},
	}
	h := newTestServer(&fakeChannel{}, &fakeMailer{}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://crm.local")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "http://crm.local", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
}
