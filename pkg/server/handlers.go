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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/codearena/codearena/pkg/containerapi"
	"github.com/codearena/codearena/pkg/identity"
	"github.com/codearena/codearena/pkg/statushub"
	"github.com/codearena/codearena/pkg/store"
	"github.com/codearena/codearena/pkg/userstore"
)

// setupTimeout bounds the background codebase-setup flow.
const setupTimeout = 2 * time.Minute

func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

func (s *Server) handleHealthReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.sessions.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	GithubID string `json:"github_id"`
}

// handleLogin finalizes an upstream OAuth exchange: it upserts the user,
// issues a session cookie, and warms up the user's container in the
// background. The response never waits for the container.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	user, err := s.users.UpsertUser(c.Request.Context(), &userstore.User{
		Username: req.Username,
		Email:    req.Email,
		GithubID: req.GithubID,
	})
	if err != nil {
		klog.Errorf("upsert user %q failed: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist user"})
		return
	}

	sid := uuid.NewString()
	record := &store.SessionRecord{
		Cookie:   map[string]any{"originalMaxAge": s.config.SessionTTL.Milliseconds()},
		Passport: &store.Passport{User: user.ID},
	}
	if err := s.sessions.SetSession(c.Request.Context(), sid, record, s.config.SessionTTL); err != nil {
		klog.Errorf("persist session for %q failed: %v", req.Username, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.SetCookie(s.cookieName(), sid, int(s.config.SessionTTL.Seconds()), "/", "", s.config.EnableTLS, true)

	s.lifecycle.OnLogin(user.Username)

	c.JSON(http.StatusOK, gin.H{
		"username": user.Username,
		"email":    user.Email,
	})
}

// handleLogout destroys the session and tears the container down in the
// background. The response does not wait for the remote delete.
func (s *Server) handleLogout(c *gin.Context) {
	if sid, ok := identity.ParseSessionID(c.GetHeader("Cookie"), s.cookieName()); ok {
		if err := s.sessions.DeleteSession(c.Request.Context(), sid); err != nil {
			klog.Errorf("delete session %q failed: %v", sid, err)
		}
	}
	c.SetCookie(s.cookieName(), "", -1, "/", "", s.config.EnableTLS, true)

	if user := currentUser(c); user != nil {
		s.lifecycle.OnLogout(user.Username)
	}

	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

type setupCodebaseRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	Lang       string `json:"lang" binding:"required"`
	Original   bool   `json:"original"`
}

// handleSetupCodebase starts preparing the user's container for a problem and
// returns a provisional token right away. Progress flows over the realtime
// channel under that token; the HTTP response never blocks on the backend.
func (s *Server) handleSetupCodebase(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req setupCodebaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question_id and lang are required"})
		return
	}

	token := statushub.NewProvisionalToken()
	s.hub.UpdateStatus(token, statushub.StatusCreating, "", "", user.Username)

	go s.runSetupCodebase(token, user.Username, &req)

	c.JSON(http.StatusAccepted, gin.H{
		"token":  token,
		"status": statushub.StatusCreating,
	})
}

// runSetupCodebase performs the slow part of codebase setup and publishes the
// result under the provisional token the client subscribed to.
func (s *Server) runSetupCodebase(token, username string, req *setupCodebaseRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	// A missing registry entry means no container is known for this user;
	// create one before placing the codebase. Create is idempotent on the
	// backend side, so a stale miss only costs a round trip.
	if _, ok := s.registry.Lookup(username); !ok {
		if out := s.containers.CreateContainer(ctx, username); !out.OK() {
			s.hub.UpdateStatus(token, statushub.StatusError,
				"could not provision a container, please retry", "", username)
			return
		}
		s.registry.Register(username)
	} else {
		s.registry.Heartbeat(username)
	}

	resp, err := s.containers.SetupCodebase(ctx, &containerapi.SetupCodebaseRequest{
		Username:   username,
		QuestionID: req.QuestionID,
		Lang:       req.Lang,
		Original:   req.Original,
	})
	if err != nil {
		klog.Errorf("setup codebase for %q (question %s) failed: %v", username, req.QuestionID, err)
		s.hub.UpdateStatus(token, statushub.StatusError,
			"codebase setup failed, please retry", "", username)
		return
	}

	s.hub.UpdateStatus(token, statushub.StatusReady, resp.Message, resp.ContainerURL, username)
	// Record the backend's own token too, so clients holding it can catch
	// up by subscribing later.
	if resp.Token != "" && resp.Token != token {
		s.hub.UpdateStatus(resp.Token, statushub.StatusReady, resp.Message, resp.ContainerURL, username)
	}
}

type runRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	Lang       string `json:"lang" binding:"required"`
	Profile    string `json:"profile"`
}

func (s *Server) handleBuildAndRun(c *gin.Context) {
	s.proxyRun(c, s.containers.BuildAndRun)
}

func (s *Server) handleSubmit(c *gin.Context) {
	s.proxyRun(c, s.containers.Submit)
}

// proxyRun relays a run or submit request to the backend and passes its JSON
// response through verbatim.
func (s *Server) proxyRun(c *gin.Context, call func(context.Context, *containerapi.RunRequest) (json.RawMessage, error)) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question_id and lang are required"})
		return
	}

	body, err := call(c.Request.Context(), &containerapi.RunRequest{
		Username:   user.Username,
		QuestionID: req.QuestionID,
		Lang:       req.Lang,
		Profile:    req.Profile,
	})
	if err != nil {
		if errors.Is(err, containerapi.ErrBackendUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "container backend unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json", body)
}

// handleHeartbeat records editor activity so the idle sweep leaves the
// user's container alone. Registration self-heals for containers that
// survived a server restart.
func (s *Server) handleHeartbeat(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	s.registry.Heartbeat(user.Username)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) cookieName() string {
	if s.config.CookieName != "" {
		return s.config.CookieName
	}
	return identity.DefaultCookieName
}
