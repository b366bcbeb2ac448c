package main

import (
	"context"
	"log"

	_ "modernc.org/sqlite"

	"github.com/pesto-garden/pesto-sync/internal/app"
	"github.com/pesto-garden/pesto-sync/internal/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Printf("%v", err)
	}
}
