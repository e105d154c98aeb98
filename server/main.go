package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/cloudconfig"
	"github.com/gammadia/farmhand/connector"
	"github.com/gammadia/farmhand/server/flags"
	"github.com/gammadia/farmhand/server/log"

	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the reconciliation workers and the HTTP server
var wg sync.WaitGroup

func main() {
	flags.Parse(os.Args[1:])

	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Farmhand starting up...", "version", version, "commit", commit)
	startedAt := time.Now()

	clouds, err := cloudconfig.Read(viper.GetString(flags.CloudConfig), cloudconfig.ReadOptions{
		Logger: log.Component("cloudconfig"),
	})
	if err != nil {
		log.Error("Failed to read cloud configuration", "file", viper.GetString(flags.CloudConfig), "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}

	setupInterrupts()

	handshakes, err := connector.New(connectorConfig())
	if err != nil {
		log.Error("Failed to create connector", "error", err)
		os.Exit(1)
	}
	gateways, err := createGateways()
	if err != nil {
		log.Error("Failed to create gateways", "error", err)
		os.Exit(1)
	}
	farm, err := newFarm(ctx, clouds, gateways, handshakes, controllerConfig())
	if err != nil {
		log.Error("Failed to create controllers", "error", err)
		os.Exit(1)
	}

	// Activity is rebuilt from controller events; listeners exit when unsubscribed on return
	for _, c := range farm.controllers {
		channel, unsubscribe := c.Subscribe()
		defer unsubscribe()
		go listenEvents(c.Cloud().Name, channel)
	}

	// Workers reconcile until the shutdown signal, then launches in flight are awaited
	wg.Add(1)
	farm.start()
	go func() {
		<-ctx.Done()
		farm.stop()
		wg.Done()
	}()

	api := NewAPI(farm, api.ServerInfo{
		Version:   version,
		Commit:    commit,
		StartedAt: startedAt,
		Provider:  viper.GetString(flags.Provider),
	}, viper.GetDuration(flags.ProvisionWait))
	srv := newHTTPServer(newRouter(api, log.Component("http")))

	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), viper.GetDuration(flags.ShutdownTimeout))
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP server did not shut down cleanly", "error", err)
			}
		}()

		log.Info("Server listening", "address", lis.Addr(), "clouds", len(clouds))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()

	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern: the first signal starts a
// graceful shutdown, the second forces an immediate exit.
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
