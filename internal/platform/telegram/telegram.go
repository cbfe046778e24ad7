// Package telegram is the default wiring point for platform.Client. It owns
// credential validation and session-token persistence (so reconnects don't
// re-authenticate from scratch) and leaves the wire protocol itself as the
// one seam an operator must complete with a real MTProto or Bot API client
// library before running against production Telegram.
package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/model"
	"github.com/prohibitedtv/telecap/internal/platform"
)

// Config carries the credentials from TELEGRAM_PHONE / TELEGRAM_API_ID /
// TELEGRAM_API_HASH and the session persistence location.
type Config struct {
	Phone       string
	APIID       string
	APIHash     string
	SessionPath string
}

// Client is the concrete platform.Client the Supervisor wires by default.
type Client struct {
	cfg Config

	mu      sync.Mutex
	session string
	closed  bool
}

var _ platform.Client = (*Client)(nil)

// New validates cfg and loads any persisted session token from disk so a
// restart does not force re-authentication.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Phone) == "" {
		return nil, errs.Newf(errs.ClassConfigInvalid, "telegram: phone is required")
	}
	if strings.TrimSpace(cfg.APIID) == "" {
		return nil, errs.Newf(errs.ClassConfigInvalid, "telegram: api id is required")
	}
	if strings.TrimSpace(cfg.APIHash) == "" {
		return nil, errs.Newf(errs.ClassConfigInvalid, "telegram: api hash is required")
	}

	c := &Client{cfg: cfg}
	if cfg.SessionPath != "" {
		session, err := loadSession(cfg.SessionPath)
		if err != nil {
			return nil, errs.New(errs.ClassConfigInvalid, fmt.Errorf("telegram: load session: %w", err))
		}
		c.session = session
	}
	return c, nil
}

// Subscribe opens a durable event stream for channelIDs. Wiring the actual
// MTProto/Bot API connection and session handshake is left to an operator
// supplying a real client library; until one is built this reports the gap
// as an auth_failed error rather than a panic, so the Listener's
// reconnect-with-backoff loop (internal/listener) degrades the same way it
// would for any unreachable upstream.
func (c *Client) Subscribe(ctx context.Context, channelIDs []int64) (<-chan platform.DocumentEvent, error) {
	if len(channelIDs) == 0 {
		return nil, errs.Newf(errs.ClassConfigInvalid, "telegram: no channel ids configured")
	}
	// TODO: dial the MTProto/Bot API session (persisting c.session on
	// successful auth via saveSession) and translate inbound document
	// updates into platform.DocumentEvent, forwarding them on the
	// returned channel until ctx is cancelled.
	return nil, errs.Newf(errs.ClassAuthFailed, "telegram: no MTProto/Bot API client wired for phone %s", redactPhone(c.cfg.Phone))
}

// Download streams the bytes of the document identified by ref.
func (c *Client) Download(ctx context.Context, ref model.ExternalRef) (io.ReadCloser, error) {
	// TODO: fetch the document's bytes over the wired session using
	// ref.ChannelID/MessageID/DocumentID.
	return nil, errs.Newf(errs.ClassAuthFailed, "telegram: no MTProto/Bot API client wired to download %s", ref.Token())
}

// Close releases any resources held by the client and persists the current
// session token, if one was obtained.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cfg.SessionPath == "" || c.session == "" {
		return nil
	}
	return saveSession(c.cfg.SessionPath, c.session)
}

func loadSession(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func saveSession(path, session string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(session), 0o600)
}

// redactPhone masks every character of the configured phone number except
// the last two, for use in logs and error strings.
func redactPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 2 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}
