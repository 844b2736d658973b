// Capability client demo binary.
//
// Connects to a NATS bus, bootstraps the capability registry, and issues
// a single invocation against a capability passed on the command line.
//
// Usage:
//
//	go run ./cmd/capctl-client -cap billing.charge -method create -params '{"amount":500}'
//	go run ./cmd/capctl-client -nats nats://localhost:4222 -cap billing.charge -method create
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/jeeves-cluster-organization/capctl/client"
	"github.com/jeeves-cluster-organization/capctl/internal/config"
)

// stdLogger implements client.Logger using the standard library log package.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) { log.Printf("[DEBUG] %s %v", msg, keysAndValues) }
func (l *stdLogger) Info(msg string, keysAndValues ...any)  { log.Printf("[INFO] %s %v", msg, keysAndValues) }
func (l *stdLogger) Warn(msg string, keysAndValues ...any)  { log.Printf("[WARN] %s %v", msg, keysAndValues) }
func (l *stdLogger) Error(msg string, keysAndValues ...any) { log.Printf("[ERROR] %s %v", msg, keysAndValues) }

func main() {
	natsURL := flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
	capability := flag.String("cap", "", "capability to invoke, e.g. billing.charge")
	method := flag.String("method", "create", "method to invoke on the capability")
	params := flag.String("params", "{}", "JSON params for the invocation")
	timeout := flag.Duration("timeout", 10*time.Second, "overall invocation timeout")
	flag.Parse()

	if *capability == "" {
		log.Fatal("missing -cap")
	}

	logger := &stdLogger{}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.New(ctx, client.Options{
		DefaultBusURL: *natsURL,
		Config:        config.Default(),
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("client init failed: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	var payload map[string]any
	if err := json.Unmarshal([]byte(*params), &payload); err != nil {
		log.Fatalf("invalid -params JSON: %v", err)
	}

	res, err := c.Invoke(ctx, *capability, *method, payload, nil)
	if err != nil {
		log.Fatalf("invoke failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatalf("encoding result: %v", err)
	}
	if !res.Ok {
		os.Exit(1)
	}
}
