package push

import (
	"context"

	"github.com/R3E-Network/service_layer/internal/obslog"
)

// LoggingTransport is a placeholder Transport that records each send as a
// log line instead of calling out to a real push provider. It follows the
// teacher's noop-driver shape (Name/Start/Stop/Ping plus domain methods that
// never fail) and is the seam a production APNs or FCM transport plugs into:
// swap the transport passed to New without touching Sender.
type LoggingTransport struct {
	name string
	log  *obslog.Logger
}

// NewLoggingTransport creates a LoggingTransport.
func NewLoggingTransport(log *obslog.Logger) *LoggingTransport {
	return &LoggingTransport{name: "logging-push-transport", log: log}
}

func (t *LoggingTransport) Name() string                   { return t.name }
func (t *LoggingTransport) Start(ctx context.Context) error { return nil }
func (t *LoggingTransport) Stop(ctx context.Context) error  { return nil }
func (t *LoggingTransport) Ping(ctx context.Context) error  { return nil }

// Send logs the envelope's addressing fields and byte sizes, never its
// plaintext (envelopes are already sealed ciphertext), and never fails.
func (t *LoggingTransport) Send(ctx context.Context, deviceID, transportToken string, envelope Envelope) error {
	t.log.WithField("device_id", deviceID).
		WithField("key_id", envelope.KeyID).
		WithField("ciphertext_bytes", len(envelope.Ciphertext)).
		Info("push envelope delivered via logging transport")
	return nil
}
