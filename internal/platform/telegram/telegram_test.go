package telegram

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/model"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Phone:       "+15555550100",
		APIID:       "12345",
		APIHash:     "abc123",
		SessionPath: filepath.Join(t.TempDir(), "session"),
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	cases := []Config{
		{APIID: "1", APIHash: "a"},
		{Phone: "+1", APIHash: "a"},
		{Phone: "+1", APIID: "1"},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected error for incomplete config %+v", cfg)
		} else if errs.ClassOf(err) != errs.ClassConfigInvalid {
			t.Fatalf("expected ClassConfigInvalid, got %s", errs.ClassOf(err))
		}
	}
}

func TestNewLoadsPersistedSession(t *testing.T) {
	cfg := validConfig(t)
	if err := os.WriteFile(cfg.SessionPath, []byte("token-123\n"), 0o600); err != nil {
		t.Fatalf("seed session file: %v", err)
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client.session != "token-123" {
		t.Fatalf("expected loaded session %q, got %q", "token-123", client.session)
	}
}

func TestNewToleratesMissingSessionFile(t *testing.T) {
	client, err := New(validConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client.session != "" {
		t.Fatalf("expected empty session, got %q", client.session)
	}
}

func TestSubscribeRequiresChannelIDs(t *testing.T) {
	client, err := New(validConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Subscribe(context.Background(), nil); errs.ClassOf(err) != errs.ClassConfigInvalid {
		t.Fatalf("expected ClassConfigInvalid for empty channel list, got %s", errs.ClassOf(err))
	}
}

func TestSubscribeReportsUnwiredClientAsAuthFailed(t *testing.T) {
	client, err := New(validConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Subscribe(context.Background(), []int64{42}); errs.ClassOf(err) != errs.ClassAuthFailed {
		t.Fatalf("expected ClassAuthFailed, got %s", errs.ClassOf(err))
	}
}

func TestDownloadReportsUnwiredClientAsAuthFailed(t *testing.T) {
	client, err := New(validConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref := model.ExternalRef{ChannelID: 1, MessageID: 2, DocumentID: 3}
	if _, err := client.Download(context.Background(), ref); errs.ClassOf(err) != errs.ClassAuthFailed {
		t.Fatalf("expected ClassAuthFailed, got %s", errs.ClassOf(err))
	}
}

func TestCloseIsIdempotentAndPersistsSession(t *testing.T) {
	cfg := validConfig(t)
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.session = "token-456"

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(cfg.SessionPath)
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	if string(data) != "token-456" {
		t.Fatalf("expected persisted session %q, got %q", "token-456", string(data))
	}
}

func TestRedactPhone(t *testing.T) {
	if got := redactPhone("+15555550100"); got != "**********00" {
		t.Fatalf("unexpected redaction: %q", got)
	}
	if got := redactPhone("1"); got != "*" {
		t.Fatalf("unexpected redaction for short input: %q", got)
	}
}
