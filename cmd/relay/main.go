package main

import (
	"context"
	"log"

	"github.com/classmesh/event-relay/internal/app/bootstrap"
)

func main() {
	ctx := context.Background()
	runtime, err := bootstrap.NewRuntime(ctx, "configs/default.yaml")
	if err != nil {
		log.Fatalf("bootstrap relay runtime: %v", err)
	}
	if err := runtime.Run(ctx); err != nil {
		log.Fatalf("run relay: %v", err)
	}
}
