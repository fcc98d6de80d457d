package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/mediaingest/internal/server"
	"github.com/dmitrijs2005/mediaingest/internal/server/config"
)

func main() {
	ctx := context.Background()

	app, err := server.NewApp(ctx, config.LoadConfig())
	if err != nil {
		log.Printf("ingest server: %v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("ingest server: %v", err)
		os.Exit(1)
	}
}
