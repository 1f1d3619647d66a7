// Package main is the entry point for the llmgateway service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantora/llmgateway/internal/config"
	"github.com/quantora/llmgateway/internal/ledger"
	"github.com/quantora/llmgateway/internal/provider"
	"github.com/quantora/llmgateway/internal/resilience"
	"github.com/quantora/llmgateway/internal/router"
	"github.com/quantora/llmgateway/internal/server"
	"github.com/quantora/llmgateway/internal/tokens"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Adapter constructors keyed by the provider name used in config.
	// Adding a new backend means one entry here plus its adapter file.
	type adapterFactory func(apiKey, baseURL string) provider.Adapter

	constructors := map[string]adapterFactory{
		"openai": func(apiKey, baseURL string) provider.Adapter {
			return provider.NewOpenAIAdapter(apiKey, baseURL, http.DefaultClient)
		},
		"anthropic": func(apiKey, baseURL string) provider.Adapter {
			return provider.NewAnthropicAdapter(apiKey, baseURL, http.DefaultClient)
		},
		"google": func(apiKey, baseURL string) provider.Adapter {
			return provider.NewGoogleAdapter(apiKey, baseURL, http.DefaultClient)
		},
		"deepseek": func(apiKey, baseURL string) provider.Adapter {
			return provider.NewDeepSeekAdapter(apiKey, baseURL, http.DefaultClient)
		},
	}

	// Every adapter gets its own resilience wrapper so one provider's
	// outage trips only its own breaker.
	policy := resilience.Policy{
		MaxAttempts:      cfg.Resilience.MaxAttempts,
		InitialBackoff:   cfg.Resilience.InitialBackoff,
		MaxBackoff:       cfg.Resilience.MaxBackoff,
		BreakerThreshold: cfg.Resilience.BreakerThreshold,
		BreakerReset:     cfg.Resilience.BreakerReset,
		RPS:              cfg.Resilience.RPS,
		Burst:            cfg.Resilience.Burst,
	}

	var adapters []provider.Adapter
	for name, provCfg := range cfg.Providers {
		factory, ok := constructors[name]
		if !ok {
			log.Fatalf("unknown provider in config: %q", name)
		}
		a := resilience.Wrap(factory(provCfg.APIKey, provCfg.BaseURL), policy)
		adapters = append(adapters, a)
		log.Printf("registered provider %q (%d models)", name, len(a.SupportedModels()))
	}

	// Balance store: SQLite when a path is configured, in-memory otherwise.
	var store ledger.Store
	if cfg.Ledger.Path != "" {
		s, err := ledger.OpenSQLite(cfg.Ledger.Path)
		if err != nil {
			log.Fatalf("failed to open ledger db: %v", err)
		}
		defer s.Close()
		store = s
	} else {
		log.Printf("ledger: no db path configured, using in-memory store")
		store = ledger.NewMemoryStore()
	}

	led := ledger.New(store, ledger.Config{
		ExchangeRate: cfg.Billing.ExchangeRate,
		Markup:       cfg.Billing.Markup,
		Prices:       cfg.Billing.Prices,
	})

	rt := router.New(adapters, led, tokens.New(), cfg.Billing.ImageCost)
	defer rt.Close()

	srv := server.New(cfg, rt)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Serve in a goroutine so the main goroutine can block on signals and
	// run a graceful shutdown with a deadline.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("llmgateway listening on :%d", cfg.Server.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
