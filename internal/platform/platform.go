// Package platform defines the capability the ingestion pipeline needs from
// the external messaging platform: a durable subscription that yields
// document events, and a way to fetch an event's bytes. Concrete
// connectivity (MTProto session, bot API long-polling, whatever the
// operator configures) lives behind this interface so the rest of the
// pipeline never depends on a specific transport.
package platform

import (
	"context"
	"io"

	"github.com/prohibitedtv/telecap/internal/model"
)

// DocumentEvent is a document artifact observed on a subscribed channel.
type DocumentEvent struct {
	Ref     model.ExternalRef
	Channel model.ChannelMeta
}

// Client is the capability boundary the Listener and Worker Pool are
// injected with at boot. It is never satisfied by duck typing — the
// Supervisor wires a concrete implementation in explicitly.
type Client interface {
	// Subscribe opens a durable event stream for the configured channels.
	// The returned channel is closed when ctx is cancelled or the
	// subscription fails unrecoverably; reconnect-with-backoff, if any, is
	// the implementation's concern, hidden behind this single channel.
	Subscribe(ctx context.Context, channelIDs []int64) (<-chan DocumentEvent, error)

	// Download streams the bytes of the document identified by ref. The
	// caller is responsible for closing the returned reader.
	Download(ctx context.Context, ref model.ExternalRef) (io.ReadCloser, error)

	// Close releases any resources held by the client (connections,
	// sessions, background goroutines).
	Close() error
}
