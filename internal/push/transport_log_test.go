package push

import (
	"context"
	"testing"

	"github.com/R3E-Network/service_layer/internal/obslog"
)

func TestLoggingTransportSendNeverFails(t *testing.T) {
	transport := NewLoggingTransport(obslog.NewDefault("test"))

	envelope := Envelope{DeviceID: "device-1", KeyID: "key-1", Ciphertext: []byte("sealed"), Nonce: []byte("nonce")}
	if err := transport.Send(context.Background(), "device-1", "token-1", envelope); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
}

func TestLoggingTransportLifecycleIsNoop(t *testing.T) {
	transport := NewLoggingTransport(obslog.NewDefault("test"))
	ctx := context.Background()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := transport.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := transport.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if transport.Name() == "" {
		t.Fatal("Name() = \"\", want non-empty")
	}
}
