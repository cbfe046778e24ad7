// Command telecap boots the ingestion service: it loads configuration from
// the environment, wires the Telegram platform client, and hands both to
// the Supervisor, which owns the rest of the component lifecycle.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prohibitedtv/telecap/internal/config"
	"github.com/prohibitedtv/telecap/internal/errs"
	"github.com/prohibitedtv/telecap/internal/observability/logging"
	"github.com/prohibitedtv/telecap/internal/platform/telegram"
	"github.com/prohibitedtv/telecap/internal/supervisor"
)

// Exit codes: 0 clean shutdown, 1 fatal configuration error or any other
// boot failure, 2 unrecoverable platform auth failure. A non-auth error
// returned by the Supervisor's Run is logged and the process exits 0.
const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitAuthFailed    = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		// No logger is configured yet; a config load failure has no log
		// level or format to honor.
		logging.New(logging.Config{Level: "info", Format: "json"}).Error("config_invalid", "error", err)
		return exitConfigInvalid
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	sessionPath := filepath.Join(cfg.StoragePath, ".telegram_session")
	platformClient, err := telegram.New(telegram.Config{
		Phone:       cfg.TelegramPhone,
		APIID:       cfg.TelegramAPIID,
		APIHash:     cfg.TelegramAPIHash,
		SessionPath: sessionPath,
	})
	if err != nil {
		logger.Error("platform_client_init_failed", "error", err)
		return exitConfigInvalid
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, cfg, platformClient, logger)
	if err != nil {
		logger.Error("boot_failed", "error", err)
		if errs.ClassOf(err) == errs.ClassAuthFailed {
			return exitAuthFailed
		}
		return exitConfigInvalid
	}

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor_exited_with_error", "error", err)
		if errs.ClassOf(err) == errs.ClassAuthFailed {
			return exitAuthFailed
		}
	}

	logger.Info("shutdown_complete")
	return exitOK
}
