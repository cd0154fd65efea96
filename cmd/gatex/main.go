package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxbolgarin/gatex"
)

var (
	configFile = flag.String("config", "gatex.yaml", "Path to the YAML routing document")
	version    = flag.Bool("version", false, "Show version information")
)

const appVersion = "1.0.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("gatex v%s\n", appVersion)
		fmt.Println("A host and path-prefix routing HTTP reverse proxy")
		os.Exit(0)
	}

	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		log.Fatalf("Routing document not found: %s", *configFile)
	}

	server, err := gatex.New(*configFile)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
