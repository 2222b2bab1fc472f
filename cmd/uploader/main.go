package main

import (
	"context"
	"log"

	"github.com/dmitrijs2005/gophupload/internal/app"
	"github.com/dmitrijs2005/gophupload/internal/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Printf("%v", err)
	}

}
