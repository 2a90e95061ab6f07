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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/valkey-io/valkey-go"
)

func TestMakeValkeyOptions(t *testing.T) {
	t.Run("missing VALKEY_ADDR", func(t *testing.T) {
		t.Setenv("VALKEY_PASSWORD", "test_pwd")
		opts, err := makeValkeyOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing env var VALKEY_ADDR")
	})

	t.Run("all basic env vars exist", func(t *testing.T) {
		expectedAddr := "127.0.0.1:6379,127.0.0.1:6380"
		// nolint:gosec
		expectedPwd := "test_valkey_pwd"
		t.Setenv("VALKEY_ADDR", expectedAddr)
		t.Setenv("VALKEY_PASSWORD", expectedPwd)

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.NotNil(t, opts)
		assert.Equal(t, strings.Split(expectedAddr, ","), opts.InitAddress)
		assert.Equal(t, expectedPwd, opts.Password)
		assert.False(t, opts.DisableCache)
		assert.False(t, opts.ForceSingleClient)
	})

	t.Run("with VALKEY_DISABLE_CACHE true", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_DISABLE_CACHE", "true")

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.True(t, opts.DisableCache)
	})

	t.Run("with VALKEY_DISABLE_CACHE invalid value", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_DISABLE_CACHE", "invalid")

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.False(t, opts.DisableCache)
	})

	t.Run("with VALKEY_FORCE_SINGLE true", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_FORCE_SINGLE", "true")

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.True(t, opts.ForceSingleClient)
	})
}

func newValkeyTestStore(t *testing.T) (*valkeyStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	if err != nil {
		t.Fatalf("valkey NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)

	return &valkeyStore{
		cli:           client,
		sessionPrefix: "sess:",
	}, mr
}

func TestValkeyStore_Ping(t *testing.T) {
	ctx := context.Background()
	vs, _ := newValkeyTestStore(t)

	assert.Nil(t, vs.Ping(ctx))
}

func TestValkeyStore_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	vs, mr := newValkeyTestStore(t)

	_, err := vs.GetSession(ctx, "non-existent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := &SessionRecord{
		Cookie:   map[string]any{"originalMaxAge": float64(3600000)},
		Passport: &Passport{User: 42},
	}
	assert.Nil(t, vs.SetSession(ctx, "sid-valkey-01", rec, 30*time.Minute))

	got, err := vs.GetSession(ctx, "sid-valkey-01")
	assert.Nil(t, err)
	uid, ok := got.UserID()
	assert.True(t, ok)
	assert.Equal(t, int64(42), uid)

	// TTL expiry removes the record.
	mr.FastForward(31 * time.Minute)
	_, err = vs.GetSession(ctx, "sid-valkey-01")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestValkeyStore_DeleteSession(t *testing.T) {
	ctx := context.Background()
	vs, _ := newValkeyTestStore(t)

	rec := &SessionRecord{Passport: &Passport{User: 7}}
	assert.Nil(t, vs.SetSession(ctx, "sid-valkey-02", rec, time.Hour))

	assert.Nil(t, vs.DeleteSession(ctx, "sid-valkey-02"))
	_, err := vs.GetSession(ctx, "sid-valkey-02")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting a missing session is not an error.
	assert.Nil(t, vs.DeleteSession(ctx, "sid-valkey-02"))
}
