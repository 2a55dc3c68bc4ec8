package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubAdapter struct{ Adapter }

func TestRegistry_New(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("Stub", func(cfg AdapterConfig, deps Deps) (Adapter, error) {
		return stubAdapter{}, nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("stub", nil); err == nil {
		t.Error("expected duplicate registration error")
	}

	cfg := AdapterConfig{Exchange: "STUB", AccountID: "a1", APIKey: "k", APISecret: "s"}
	if _, err := r.New(cfg, Deps{}); err != nil {
		t.Errorf("expected case-insensitive lookup, got %v", err)
	}

	cfg.Exchange = "okx"
	if _, err := r.New(cfg, Deps{}); !errors.Is(err, ErrUnknownExchange) {
		t.Errorf("expected ErrUnknownExchange, got %v", err)
	}

	if ids := r.IDs(); len(ids) != 1 || ids[0] != "stub" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestAdapterConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  AdapterConfig
	}{
		{"no exchange", AdapterConfig{AccountID: "a", APIKey: "k", APISecret: "s"}},
		{"no account", AdapterConfig{Exchange: "bybit", APIKey: "k", APISecret: "s"}},
		{"no secret", AdapterConfig{Exchange: "bybit", AccountID: "a", APIKey: "k"}},
		{"negative recv window", AdapterConfig{Exchange: "bybit", AccountID: "a", APIKey: "k", APISecret: "s", RecvWindow: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestAdapterConfig_StringMasksSecrets(t *testing.T) {
	cfg := AdapterConfig{Exchange: "bybit", AccountID: "a", APIKey: "AKIAVERYLONGKEY", APISecret: "supersecretvalue"}
	s := cfg.String()
	if strings.Contains(s, "supersecretvalue") || strings.Contains(s, "AKIAVERYLONGKEY") {
		t.Errorf("credentials leaked: %s", s)
	}
	if !strings.Contains(s, "AKIA****") {
		t.Errorf("expected masked key prefix, got %s", s)
	}
}

func TestSignHMAC(t *testing.T) {
	got := SignHMAC("key", "The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestServerClock_Sync(t *testing.T) {
	local := time.UnixMilli(1_000_000)
	clock := NewServerClock(func() time.Time { return local })

	clock.Sync(1_002_500)
	if clock.Offset() != 2500*time.Millisecond {
		t.Errorf("expected 2.5s offset, got %v", clock.Offset())
	}
	if clock.NowMs() != 1_002_500 {
		t.Errorf("expected server time, got %d", clock.NowMs())
	}
}

func TestRetryOnSkew(t *testing.T) {
	errSkew := errors.New("timestamp rejected")
	isSkew := func(err error) bool { return errors.Is(err, errSkew) }

	calls, resyncs := 0, 0
	err := RetryOnSkew(context.Background(), isSkew,
		func(context.Context) error { resyncs++; return nil },
		func() error {
			calls++
			if calls == 1 {
				return errSkew
			}
			return nil
		})
	if err != nil || calls != 2 || resyncs != 1 {
		t.Errorf("expected one resync and retry, got err=%v calls=%d resyncs=%d", err, calls, resyncs)
	}

	calls, resyncs = 0, 0
	err = RetryOnSkew(context.Background(), isSkew,
		func(context.Context) error { resyncs++; return nil },
		func() error { calls++; return errSkew })
	if !errors.Is(err, errSkew) || calls != 2 || resyncs != 1 {
		t.Errorf("expected a single retry, got err=%v calls=%d resyncs=%d", err, calls, resyncs)
	}

	calls = 0
	other := errors.New("boom")
	err = RetryOnSkew(context.Background(), isSkew,
		func(context.Context) error { t.Error("unexpected resync"); return nil },
		func() error { calls++; return other })
	if !errors.Is(err, other) || calls != 1 {
		t.Errorf("expected no retry for other errors, got err=%v calls=%d", err, calls)
	}
}
