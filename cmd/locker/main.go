// Command locker runs the token locker ledger service.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/token_locker/internal/app/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewApplication(ctx)
	if err != nil {
		log.Fatalf("Failed to initialise locker: %v", err)
	}

	runErr := rt.Run(ctx)
	if runErr != nil {
		log.Printf("Locker stopped: %v", runErr)
	}

	log.Println("Shutting down...")
	if err := rt.Shutdown(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}
