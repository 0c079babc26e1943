package channels

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/zapcrm/bridge/pkg/bus"
	"github.com/zapcrm/bridge/pkg/config"
	"github.com/zapcrm/bridge/pkg/logger"
)

// reconnectDelay is the fixed wait before the single reconnect attempt after
// a remote-initiated disconnect.
const reconnectDelay = 5 * time.Second

// WhatsAppChannel brokers one WhatsApp Web connection via whatsmeow. The
// session survives restarts in a local SQLite store; authentication happens
// through a QR challenge surfaced on the status bus and the HTTP facade.
type WhatsAppChannel struct {
	config    config.WhatsAppConfig
	bus       *bus.StatusBus
	machine   *StateMachine
	client    *whatsmeow.Client
	container *sqlstore.Container
	mu        sync.Mutex
}

// NewWhatsAppChannel creates the channel in DISCONNECTED state. Initialize
// must be called to start connecting.
func NewWhatsAppChannel(cfg config.WhatsAppConfig, statusBus *bus.StatusBus) *WhatsAppChannel {
	c := &WhatsAppChannel{
		config: cfg,
		bus:    statusBus,
	}
	c.machine = NewStateMachine(c.publishStatus)
	return c
}

// publishStatus pushes every accepted state transition to bus observers,
// rendering the challenge for the frontend when one is live.
func (c *WhatsAppChannel) publishStatus(state State, qrCode string) {
	event := bus.Event{
		Type:   bus.TypeWhatsAppStatus,
		Status: string(state),
	}
	if qrCode != "" {
		if uri, err := RenderQRDataURI(qrCode); err == nil {
			event.QR = uri
		}
		if svg, err := renderQRSVG(qrCode, 256); err == nil {
			event.QRSVG = svg
		}
	}
	c.bus.Publish(event)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize opens the session store, builds the whatsmeow client and starts
// connecting. With no stored session it runs the QR login flow; with one it
// resumes directly. Safe to call again to re-initialize after an auth
// failure: the previous client is discarded first.
func (c *WhatsAppChannel) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.InfoC("whatsapp", "Initializing WhatsApp channel")

	if c.client != nil {
		c.client.Disconnect()
		c.client = nil
	}
	c.machine.Apply(EventInit, "")

	storePath := c.config.StorePath
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	dbLog := waLog.Stdout("Bridge-DB", "WARN", true)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", storePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)

	container := sqlstore.NewWithDB(db, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade session database: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device from store: %w", err)
	}

	clientLog := waLog.Stdout("WhatsApp", "WARN", true)
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.eventHandler)

	if c.client.Store.ID == nil {
		logger.InfoC("whatsapp", "No existing session found, starting QR code login")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect for QR: %w", err)
		}
		go c.qrLoop(qrChan)
	} else {
		logger.InfoCF("whatsapp", "Resuming existing session", map[string]interface{}{
			"device_id": c.client.Store.ID.String(),
		})
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
	}

	return nil
}

// Stop disconnects and releases the client. No reconnect is scheduled for a
// local stop.
func (c *WhatsAppChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Disconnect()
		c.client = nil
	}
	c.container = nil
	c.machine.Apply(EventInit, "")

	logger.InfoC("whatsapp", "WhatsApp channel stopped")
}

// Status returns the current connection state.
func (c *WhatsAppChannel) Status() State {
	return c.machine.State()
}

// QRCode returns the raw live challenge, or "" when none is pending.
func (c *WhatsAppChannel) QRCode() string {
	return c.machine.QR()
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// qrLoop consumes the whatsmeow QR channel for one login attempt. Each code
// refresh replaces the live challenge; timeout or error parks the channel in
// DISCONNECTED until a manual re-initialize.
func (c *WhatsAppChannel) qrLoop(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			c.machine.Apply(EventQR, evt.Code)
			fmt.Println("\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			logger.InfoC("whatsapp", "QR code issued, waiting for scan")

		case "login", "success":
			c.machine.Apply(EventReady, "")
			logger.InfoC("whatsapp", "WhatsApp login successful")
			return

		case "timeout":
			c.machine.Apply(EventAuthFailure, "")
			logger.WarnC("whatsapp", "QR code timed out, re-initialize to get a new one")
			return

		case "error":
			c.machine.Apply(EventAuthFailure, "")
			logger.ErrorC("whatsapp", "QR login failed")
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

func (c *WhatsAppChannel) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.machine.Apply(EventReady, "")
		logger.InfoC("whatsapp", "WhatsApp connected")

	case *events.Disconnected:
		c.machine.Apply(EventDisconnected, "")
		logger.WarnCF("whatsapp", "WhatsApp disconnected, scheduling reconnect", map[string]interface{}{
			"delay": reconnectDelay.String(),
		})
		c.scheduleReconnect()

	case *events.LoggedOut:
		// Session invalidated remotely: no automatic retry, the operator has
		// to re-initialize and scan again.
		c.machine.Apply(EventAuthFailure, "")
		logger.ErrorCF("whatsapp", "WhatsApp logged out", map[string]interface{}{
			"reason": fmt.Sprintf("%v", v.Reason),
		})
	}
}

// scheduleReconnect makes a single reconnect attempt after the fixed delay.
// If that also fails the channel stays DISCONNECTED until re-initialized.
func (c *WhatsAppChannel) scheduleReconnect() {
	time.AfterFunc(reconnectDelay, func() {
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()

		if client == nil || client.IsConnected() {
			return
		}
		if err := client.Connect(); err != nil {
			logger.ErrorCF("whatsapp", "Reconnect attempt failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

// Send delivers a text message to a phone number. The channel must be READY;
// the number is normalized to canonical digits before being addressed.
func (c *WhatsAppChannel) Send(ctx context.Context, number, message string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil || c.machine.State() != StateReady {
		return fmt.Errorf("whatsapp client not connected")
	}

	target := NormalizeNumber(number, c.config.CountryCode)
	jid := types.NewJID(target, types.DefaultUserServer)

	// Typing indicator
	_ = client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, "")

	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(message),
	})
	if err != nil {
		return fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	_ = client.SendChatPresence(ctx, jid, types.ChatPresencePaused, "")

	logger.DebugCF("whatsapp", "Message sent", map[string]interface{}{
		"to":         jid.String(),
		"message_id": resp.ID,
	})
	return nil
}

// NormalizeNumber strips everything but digits and prepends the country code
// when the number is short enough (<=11 digits) to be missing it. Numbers
// already carrying 12+ digits pass through unchanged.
func NormalizeNumber(raw, countryCode string) string {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()

	if len(digits) <= 11 && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits
}
