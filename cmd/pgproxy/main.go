package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gopgproxy/pgproxy/config"
	"github.com/gopgproxy/pgproxy/metrics"
	"github.com/gopgproxy/pgproxy/proxy"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <listen_port> <backend_host> <backend_port>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "Optional path to an ini file overriding ambient tuning knobs")
	metricsAddr := flag.String("metrics-addr", "", "Metrics endpoint address (empty disables it)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 {
		usage()
		os.Exit(2)
	}

	listenPort, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid listen_port %q: %v\n", args[0], err)
		os.Exit(2)
	}
	backendHost := args[1]
	backendPort, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid backend_port %q: %v\n", args[2], err)
		os.Exit(2)
	}

	tuning := config.Default()
	if *configPath != "" {
		tuning, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *metricsAddr != "" {
		metrics.Init()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("Metrics endpoint at http://%s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	p, err := proxy.New(proxy.Config{
		ListenPort:  listenPort,
		BackendHost: backendHost,
		BackendPort: backendPort,
		Tuning:      tuning,
	})
	if err != nil {
		log.Fatalf("Failed to create proxy: %v", err)
	}

	if err := p.Start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	log.Println("pgproxy started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
