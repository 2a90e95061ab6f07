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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
	"k8s.io/klog/v2"
)

type valkeyStore struct {
	cli           valkey.Client
	sessionPrefix string
}

// initValkeyStore init valkey store client
func initValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{
		cli:           client,
		sessionPrefix: "sess:",
	}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    os.Getenv("VALKEY_PASSWORD"),
	}
	valkeyDisableCache := os.Getenv("VALKEY_DISABLE_CACHE")
	if valkeyDisableCache != "" {
		disableCache, err := strconv.ParseBool(valkeyDisableCache)
		if err == nil && disableCache == true {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	valkeyForceSingle := os.Getenv("VALKEY_FORCE_SINGLE")
	if valkeyForceSingle != "" {
		forceSingleCache, err := strconv.ParseBool(valkeyForceSingle)
		if err == nil && forceSingleCache == true {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

// sessionKey make the valkey key for a session ID
func (vs *valkeyStore) sessionKey(sid string) string {
	return vs.sessionPrefix + sid
}

// Ping check valkey store available or not
func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// GetSession returns the session record for the given session ID
func (vs *valkeyStore) GetSession(ctx context.Context, sid string) (*SessionRecord, error) {
	key := vs.sessionKey(sid)

	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetSession: valkey GET %s: %w", key, err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("GetSession: unmarshal session failed: %w", err)
	}
	return &rec, nil
}

// SetSession writes the session record with the given TTL
func (vs *valkeyStore) SetSession(ctx context.Context, sid string, rec *SessionRecord, ttl time.Duration) error {
	if rec == nil {
		return errors.New("SetSession: record is nil")
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("SetSession: marshal session: %w", err)
	}

	key := vs.sessionKey(sid)
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = vs.cli.B().Set().Key(key).Value(string(b)).Ex(ttl).Build()
	} else {
		cmd = vs.cli.B().Set().Key(key).Value(string(b)).Build()
	}
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("SetSession: valkey SET %s: %w", key, err)
	}
	return nil
}

// DeleteSession removes the session record; missing records are not an error
func (vs *valkeyStore) DeleteSession(ctx context.Context, sid string) error {
	key := vs.sessionKey(sid)
	if err := vs.cli.Do(ctx, vs.cli.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("DeleteSession: valkey DEL %s: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
