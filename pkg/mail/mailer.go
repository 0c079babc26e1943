// Package mail owns the outbound SMTP transport. The transport configuration
// is replaced wholesale on every update and persisted to a local JSON file,
// so a restart reproduces the last applied settings.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gomail "github.com/wneessen/go-mail"

	"github.com/zapcrm/bridge/pkg/logger"
)

// ErrNotConfigured is returned by Send while auth.user is empty. The facade
// maps it to a 400 before any transport is constructed.
var ErrNotConfigured = errors.New("smtp transport is not configured")

type Auth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Config mirrors the persisted mail.json layout. Last write wins; no
// historical versions are kept.
type Config struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
	Auth   Auth   `json:"auth"`
}

// DefaultConfig is the first-boot transport: a well-known host with no
// credentials, so the channel reports MISSING_CREDENTIALS until configured.
func DefaultConfig() Config {
	return Config{Host: "smtp.gmail.com", Port: 465, Secure: true}
}

// Mailer delivers email through a per-call SMTP client. It holds no open
// connection; a badly configured transport only surfaces at send time.
type Mailer struct {
	mu       sync.RWMutex
	config   Config
	filePath string
}

// NewMailer loads the persisted configuration from <dataDir>/mail.json when
// present, otherwise starts with the defaults.
func NewMailer(dataDir string) *Mailer {
	m := &Mailer{
		config:   DefaultConfig(),
		filePath: filepath.Join(dataDir, "mail.json"),
	}
	m.load()
	return m
}

func (m *Mailer) load() {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.WarnCF("mail", "Ignoring unreadable mail config", map[string]interface{}{
			"path":  m.filePath,
			"error": err.Error(),
		})
		return
	}
	m.config = cfg
}

// Configure replaces the whole transport configuration and persists it
// immediately. Only structural shape is checked; delivery problems are
// discovered at send time.
func (m *Mailer) Configure(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = cfg
	if err := m.saveLocked(); err != nil {
		return fmt.Errorf("failed to persist mail config: %w", err)
	}
	logger.InfoCF("mail", "Mail transport configured", map[string]interface{}{
		"host": cfg.Host,
		"port": cfg.Port,
		"user": cfg.Auth.User,
	})
	return nil
}

func (m *Mailer) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}
	// Credentials inside, keep it owner-only.
	return os.WriteFile(m.filePath, data, 0600)
}

// Config returns a copy of the current transport configuration.
func (m *Mailer) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Configured reports whether credentials are present. Presence of auth.user
// is the whole check; anything beyond that fails at send time.
func (m *Mailer) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Auth.User != ""
}

// Send delivers one HTML email through a transport built for this call.
// Transport errors come back verbatim; nothing is retried.
func (m *Mailer) Send(ctx context.Context, to, subject, html, fromName string) error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg.Auth.User == "" {
		return ErrNotConfigured
	}

	msg := gomail.NewMsg()
	if fromName != "" {
		if err := msg.FromFormat(fromName, cfg.Auth.User); err != nil {
			return fmt.Errorf("invalid sender: %w", err)
		}
	} else {
		if err := msg.From(cfg.Auth.User); err != nil {
			return fmt.Errorf("invalid sender: %w", err)
		}
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, html)

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Auth.User),
		gomail.WithPassword(cfg.Auth.Pass),
	}
	if cfg.Secure {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to build smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return err
	}

	logger.InfoCF("mail", "Email sent", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}
