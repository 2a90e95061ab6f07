/*
Copyright The CodeArena Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/server"
)

func main() {
	var (
		port                  = flag.String("port", "8080", "API server port")
		backendURL            = flag.String("backend-url", "http://localhost:3001", "Base URL of the container execution backend")
		signingKey            = flag.String("signing-key", "", "HMAC key for signing backend requests (empty disables signing)")
		cookieName            = flag.String("cookie-name", "", "Session cookie name (empty uses the framework default)")
		userDBPath            = flag.String("user-db", "codearena.db", "Path to the SQLite user database")
		sessionTTL            = flag.Duration("session-ttl", 24*time.Hour, "Lifetime of issued sessions")
		idleTimeout           = flag.Duration("idle-timeout", 30*time.Minute, "Idle time before a container is reclaimed")
		sweepInterval         = flag.Duration("sweep-interval", time.Minute, "How often the idle sweep runs")
		enableTLS             = flag.Bool("enable-tls", false, "Enable TLS (HTTPS)")
		tlsCert               = flag.String("tls-cert", "", "Path to TLS certificate file")
		tlsKey                = flag.String("tls-key", "", "Path to TLS key file")
		debug                 = flag.Bool("debug", false, "Enable debug mode")
		maxConcurrentRequests = flag.Int("max-concurrent-requests", 1000, "Maximum number of concurrent requests")
	)

	// Initialize klog flags
	klog.InitFlags(nil)

	// Parse command line flags
	flag.Parse()

	config := &server.Config{
		Port:                  *port,
		BackendURL:            *backendURL,
		SigningKey:            *signingKey,
		CookieName:            *cookieName,
		UserDBPath:            *userDBPath,
		SessionTTL:            *sessionTTL,
		IdleTimeout:           *idleTimeout,
		SweepInterval:         *sweepInterval,
		Debug:                 *debug,
		EnableTLS:             *enableTLS,
		TLSCert:               *tlsCert,
		TLSKey:                *tlsKey,
		MaxConcurrentRequests: *maxConcurrentRequests,
	}

	srv, err := server.NewServer(config, server.Dependencies{})
	if err != nil {
		klog.Fatalf("Failed to create CodeArena API server: %v", err)
	}

	// Setup signal handling with context cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start API server in goroutine
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting CodeArena server on port %s", *port)
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or error
	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
		<-errCh
	case err := <-errCh:
		klog.Fatalf("Server error: %v", err)
	}

	klog.Info("CodeArena server stopped")
}
