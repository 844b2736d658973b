// Capability worker demo binary.
//
// Connects to a NATS bus and starts a single worker pool serving one
// capability with the default echo handler, useful for exercising the
// client demo binary or a manual `nats req` call end to end.
//
// Usage:
//
//	go run ./cmd/capctl-worker -cap billing.charge -subject cap.billing.charge.v2
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/internal/validation"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
	"github.com/jeeves-cluster-organization/capctl/worker"
)

// stdLogger implements worker.Logger using the standard library log package.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) { log.Printf("[DEBUG] %s %v", msg, keysAndValues) }
func (l *stdLogger) Info(msg string, keysAndValues ...any)  { log.Printf("[INFO] %s %v", msg, keysAndValues) }
func (l *stdLogger) Warn(msg string, keysAndValues ...any)  { log.Printf("[WARN] %s %v", msg, keysAndValues) }
func (l *stdLogger) Error(msg string, keysAndValues ...any) { log.Printf("[ERROR] %s %v", msg, keysAndValues) }

func main() {
	natsURL := flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
	capability := flag.String("cap", "billing.charge", "capability this worker pool serves")
	subject := flag.String("subject", "cap.billing.charge.v2", "resolved subject for the capability")
	poolID := flag.String("pool-id", "demo-pool", "worker pool identifier")
	concurrency := flag.Int("concurrency", 4, "concurrent worker subscriptions")
	flag.Parse()

	logger := &stdLogger{}

	conn, err := bus.DialNATS(*natsURL, bus.NATSAuth{})
	if err != nil {
		log.Fatalf("nats dial failed: %v", err)
	}
	defer conn.Close()

	c := worker.New(conn, validation.NoopValidator{}, logger)

	pool := worker.PoolConfig{
		ID:                *poolID,
		Capabilities:      []string{*capability},
		ConcurrentWorkers: *concurrency,
		ConsumerGroup:     *poolID,
	}
	bootstrap := map[string]capctl.BootstrapEntry{
		*capability: {Subject: *subject, NatsURL: *natsURL},
	}

	if err := c.Start(context.Background(), []worker.PoolConfig{pool}, bootstrap); err != nil {
		log.Fatalf("worker start failed: %v", err)
	}
	logger.Info("worker_pool_started", "capability", *capability, "subject", *subject, "concurrency", *concurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	c.Stop()
	logger.Info("worker_pool_stopped")
}
