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

// Package server exposes the CodeArena HTTP and WebSocket API: session-backed
// authentication, codebase setup, run/submit proxying, and realtime container
// status delivery.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/activity"
	"github.com/codearena/codearena/pkg/containerapi"
	"github.com/codearena/codearena/pkg/identity"
	"github.com/codearena/codearena/pkg/lifecycle"
	"github.com/codearena/codearena/pkg/statushub"
	"github.com/codearena/codearena/pkg/store"
	"github.com/codearena/codearena/pkg/userstore"
)

// userContextKey is the gin context key holding the resolved user.
const userContextKey = "codearena/user"

// Dependencies lets callers inject backing services. Zero-value fields are
// built from Config and environment at construction time.
type Dependencies struct {
	Containers containerapi.Client
	Sessions   store.Store
	Users      userstore.Store
}

// Server is the main structure for the CodeArena API server.
type Server struct {
	config     *Config
	engine     *gin.Engine
	httpServer *http.Server

	containers containerapi.Client
	sessions   store.Store
	users      userstore.Store
	resolver   *identity.Resolver
	registry   *activity.Registry
	hub        *statushub.Hub
	lifecycle  *lifecycle.Orchestrator
}

// NewServer creates a new CodeArena API server instance.
func NewServer(config *Config, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1000
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 24 * time.Hour
	}

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	containers := deps.Containers
	if containers == nil {
		var signer *containerapi.Signer
		if config.SigningKey != "" {
			var err error
			signer, err = containerapi.NewSigner([]byte(config.SigningKey))
			if err != nil {
				return nil, fmt.Errorf("failed to create backend signer: %w", err)
			}
		}
		containers = containerapi.NewClient(config.BackendURL, 0, signer)
	}

	sessions := deps.Sessions
	if sessions == nil {
		var err error
		sessions, err = store.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
	}

	users := deps.Users
	if users == nil {
		if config.UserDBPath == "" {
			return nil, fmt.Errorf("user database path is required")
		}
		var err error
		users, err = userstore.NewSQLiteStore(config.UserDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open user store: %w", err)
		}
	}

	registry := activity.NewRegistry(containers)
	if config.IdleTimeout > 0 {
		registry.SetIdleTimeout(config.IdleTimeout)
	}
	if config.SweepInterval > 0 {
		registry.SetSweepInterval(config.SweepInterval)
	}

	server := &Server{
		config:     config,
		containers: containers,
		sessions:   sessions,
		users:      users,
		registry:   registry,
		resolver:   identity.NewResolver(config.CookieName, sessions, users),
		lifecycle:  lifecycle.NewOrchestrator(containers, registry),
	}

	// One hub per server instance. Attach guards against a second hub being
	// bound to the same server by later wiring.
	server.hub = statushub.Attach(server, func() *statushub.Hub {
		return statushub.NewHub(server.resolver, statushub.WithHeartbeater(registry))
	})

	server.setupRoutes()

	return server, nil
}

// concurrencyLimitMiddleware limits the number of concurrent requests
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		select {
		case concurrency <- struct{}{}:
			defer func() {
				<-concurrency
			}()
			c.Next()
		default:
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "server overloaded, please try again later",
				"code":  "SERVER_OVERLOADED",
			})
			c.Abort()
		}
	}
}

// sessionMiddleware resolves the request's session cookie into a user and
// records activity for authenticated requests. Anonymous requests pass
// through; individual handlers decide whether auth is required.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user := s.resolver.Resolve(c.Request.Context(), c.GetHeader("Cookie")); user != nil {
			c.Set(userContextKey, user)
			s.registry.Heartbeat(user.Username)
		}
		c.Next()
	}
}

// currentUser returns the user resolved by sessionMiddleware, or nil.
func currentUser(c *gin.Context) *userstore.User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	u, _ := v.(*userstore.User)
	return u
}

// setupRoutes configures HTTP routes using Gin
func (s *Server) setupRoutes() {
	s.engine = gin.New()

	// Health check endpoints (no authentication required, no concurrency limit)
	s.engine.GET("/health/live", s.handleHealthLive)
	s.engine.GET("/health/ready", s.handleHealthReady)

	// WebSocket upgrade; the hub authenticates from the raw Cookie header.
	s.engine.GET("/ws", gin.WrapH(s.hub))

	api := s.engine.Group("/api")
	api.Use(gin.Logger())
	api.Use(gin.Recovery())
	api.Use(s.concurrencyLimitMiddleware())
	api.Use(s.sessionMiddleware())

	api.POST("/setup_codebase", s.handleSetupCodebase)
	api.POST("/build_and_run", s.handleBuildAndRun)
	api.POST("/submit", s.handleSubmit)
	api.POST("/heartbeat", s.handleHeartbeat)

	auth := s.engine.Group("/auth")
	auth.Use(gin.Logger())
	auth.Use(gin.Recovery())
	auth.Use(s.sessionMiddleware())

	auth.POST("/login", s.handleLogin)
	auth.POST("/logout", s.handleLogout)
}

// Start starts the CodeArena API server
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.config.Port

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 90 * time.Second,
	}

	// Listen for shutdown signal in goroutine
	go func() {
		<-ctx.Done()
		klog.Info("Shutting down CodeArena server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}

		s.registry.Stop()
		s.hub.Stop()
		s.lifecycle.Wait()
	}()

	klog.Infof("CodeArena server listening on %s", addr)

	if s.config.EnableTLS {
		if s.config.TLSCert == "" || s.config.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert/key not provided")
		}
		return s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	}

	return s.httpServer.ListenAndServe()
}
