package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratadb/strata/pkg/strata"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	listen := flag.String("listen", "", "override the listen address")
	flag.Parse()

	config := strata.DefaultConfig()
	if *configPath != "" {
		loaded, err := strata.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("[MAIN] %v", err)
		}
		config = loaded
	}
	if *listen != "" {
		config.Listen = *listen
	}

	server, err := strata.NewServer(config)
	if err != nil {
		log.Fatalf("[MAIN] failed to build server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[MAIN] received %s, shutting down", sig)
		server.Close()
		cancel()
	}()

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[MAIN] server exited: %v", err)
	}
	server.Close()
	log.Printf("[MAIN] shutdown complete")
	os.Exit(0)
}
