package aitt

import (
	"context"
	"strings"
	"testing"

	"github.com/localrivet/aitt/internal/core"
)

func TestNewGeneratesClientIDWhenUnset(t *testing.T) {
	a := New()
	if a.cfg.clientID == "" {
		t.Fatal("expected New to generate a client ID when WithClientID is not used")
	}
}

func TestNewKeepsExplicitClientID(t *testing.T) {
	a := New(WithClientID("my-device"))
	if a.cfg.clientID != "my-device" {
		t.Errorf("clientID = %q, want my-device", a.cfg.clientID)
	}
}

func TestDisconnectBeforeReadyIsNoop(t *testing.T) {
	a := New()
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect before Ready: %v", err)
	}
}

func TestReadyAfterDisconnectIsAlready(t *testing.T) {
	a := New()
	if err := a.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	err := a.Ready(context.Background())
	var aerr *core.Error
	if e, ok := err.(*core.Error); ok {
		aerr = e
	}
	if aerr == nil || aerr.Kind != core.KindAlready {
		t.Errorf("Ready after Disconnect = %v, want ALREADY", err)
	}
}

func TestReadyTwiceInARowIsAlready(t *testing.T) {
	a := New()
	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()

	err := a.Ready(context.Background())
	var aerr *core.Error
	if e, ok := err.(*core.Error); ok {
		aerr = e
	}
	if aerr == nil || aerr.Kind != core.KindAlready {
		t.Errorf("second Ready = %v, want ALREADY", err)
	}
}

func TestPublishRejectsEmptyTopic(t *testing.T) {
	a := New()
	err := a.Publish(context.Background(), "", []byte("x"), 1, false, TransportMask(TransportMQTT))
	var aerr *core.Error
	if e, ok := err.(*core.Error); ok {
		aerr = e
	}
	if aerr == nil || aerr.Kind != core.KindInvalidArg {
		t.Errorf("Publish with empty topic = %v, want INVALID_ARG", err)
	}
}

func TestPublishOverDisabledSecureTCPIsNotSupported(t *testing.T) {
	a := New()
	err := a.publishOne(context.Background(), TransportTCPSecure, "room/state", []byte("x"), 1, false)
	var aerr *core.Error
	if e, ok := err.(*core.Error); ok {
		aerr = e
	}
	if aerr == nil || aerr.Kind != core.KindNotSupported {
		t.Errorf("publishOne(TCPSecure) with secure TCP disabled = %v, want NOT_SUPPORTED", err)
	}
	if !strings.Contains(aerr.Error(), "WithSecureTCP") {
		t.Errorf("error message %q should mention WithSecureTCP", aerr.Error())
	}
}

func TestPublishOverUnknownTransportIsInvalidArg(t *testing.T) {
	a := New()
	err := a.publishOne(context.Background(), TransportTag(0), "room/state", []byte("x"), 1, false)
	var aerr *core.Error
	if e, ok := err.(*core.Error); ok {
		aerr = e
	}
	if aerr == nil || aerr.Kind != core.KindInvalidArg {
		t.Errorf("publishOne(unknown tag) = %v, want INVALID_ARG", err)
	}
}
