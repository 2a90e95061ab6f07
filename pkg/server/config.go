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

import "time"

// Config contains configuration parameters for the CodeArena API server.
type Config struct {
	// Port is the port the API server listens on
	Port string

	// BackendURL is the base URL of the container execution backend
	BackendURL string

	// SigningKey is the HMAC key for signing backend requests (optional)
	SigningKey string

	// CookieName is the session cookie name ("" uses the framework default)
	CookieName string

	// UserDBPath is the path of the SQLite user database
	UserDBPath string

	// SessionTTL is how long issued sessions stay valid
	SessionTTL time.Duration

	// IdleTimeout is how long a container may sit idle before reclamation
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs
	SweepInterval time.Duration

	// Debug enables debug mode
	Debug bool

	// EnableTLS enables HTTPS
	EnableTLS bool

	// TLSCert is the path to the TLS certificate file
	TLSCert string

	// TLSKey is the path to the TLS private key file
	TLSKey string

	// MaxConcurrentRequests limits the number of concurrent requests (0 = default)
	MaxConcurrentRequests int
}
