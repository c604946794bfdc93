package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/R3E-Network/token_locker/internal/config"
	"github.com/R3E-Network/token_locker/pkg/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second},
		Logging: logger.LoggingConfig{Level: "panic"},
		Locker: config.LockerConfig{
			OwnerID:            "owner.near",
			ContractIDFormat:   "account",
			SettlementInterval: time.Hour,
			SettlementTimeout:  time.Minute,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10},
	}
}

func TestNewApplicationWithConfig_Memory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := NewApplicationWithConfig(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if rt.db != nil {
		t.Fatalf("expected no database without a dsn")
	}
	if rt.httpServer.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected addr %q", rt.httpServer.Addr)
	}

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		md, err := rt.App().Locker.Metadata(context.Background())
		if err == nil && md.OwnerID == "owner.near" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metadata was not initialised: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil && err != http.ErrServerClosed {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestOpenDatabase_RequiresDriver(t *testing.T) {
	if _, err := openDatabase(context.Background(), config.DatabaseConfig{DSN: "postgres://x"}); err == nil {
		t.Fatalf("expected error without driver")
	}
}

func TestNewApplicationWithConfig_BadDSN(t *testing.T) {
	cfg := memoryConfig()
	cfg.Database = config.DatabaseConfig{Driver: "postgres", DSN: "postgres://127.0.0.1:1/locker?sslmode=disable&connect_timeout=1"}
	if _, err := NewApplicationWithConfig(context.Background(), cfg); err == nil {
		t.Fatalf("expected database error")
	}
}
