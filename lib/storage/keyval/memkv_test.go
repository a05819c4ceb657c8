/*
Copyright 2018 Gravitational, Inc.

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

package keyval

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMem(nil)

	_, err := b.Create(ctx, "/jobs/a", []byte("one"), 0)
	require.NoError(t, err)

	_, err = b.Create(ctx, "/jobs/a", []byte("two"), 0)
	assert.True(t, trace.IsAlreadyExists(err))

	data, _, err := b.Get(ctx, "/jobs/a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, b.Delete(ctx, "/jobs/a", 0))
	_, _, err = b.Get(ctx, "/jobs/a")
	assert.True(t, trace.IsNotFound(err))
}

func TestMemSetRequiresExisting(t *testing.T) {
	ctx := context.Background()
	b := NewMem(nil)
	_, err := b.Set(ctx, "/missing", []byte("x"))
	assert.True(t, trace.IsNotFound(err))
}

func TestMemChildren(t *testing.T) {
	ctx := context.Background()
	b := NewMem(nil)
	_, err := b.Create(ctx, "/config/hosts/h1/jobs/a", []byte("{}"), 0)
	require.NoError(t, err)
	_, err = b.Create(ctx, "/config/hosts/h1/jobs/b", []byte("{}"), 0)
	require.NoError(t, err)

	children, err := b.Children(ctx, "/config/hosts/h1/jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, children)
}

func TestMemTransactionAllOrNothing(t *testing.T) {
	ctx := context.Background()
	b := NewMem(nil)
	_, err := b.Create(ctx, "/jobs/a", []byte("{}"), 0)
	require.NoError(t, err)

	// deployment assertion fails: job exists, but deployment must be absent
	_, err = b.Create(ctx, "/config/hosts/h/jobs/a", []byte("x"), 0)
	require.NoError(t, err)

	err = b.Transaction(ctx, []Op{
		{Kind: OpAssertExists, Path: "/jobs/a"},
		{Kind: OpAssertAbsent, Path: "/config/hosts/h/jobs/a"},
		{Kind: OpCreate, Path: "/config/hosts/h/jobs/a", Data: []byte("y")},
	})
	assert.True(t, trace.IsAlreadyExists(err))

	data, _, err := b.Get(ctx, "/config/hosts/h/jobs/a")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

// TestEphemeralRemovalSignalsWatchers models scenario S6: removing the
// host's ephemeral up node must be observable by a watcher in real time.
func TestEphemeralRemovalSignalsWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMem(nil)

	w, err := b.Watch(ctx, HostUpKey("h1"), WatchExistence)
	require.NoError(t, err)
	defer w.Close()

	sess, err := b.RegisterEphemeral(ctx, HostUpKey("h1"), []byte("up"))
	require.NoError(t, err)

	select {
	case ev := <-w.Events():
		assert.Equal(t, HostUpKey("h1"), ev.Path)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create event")
	}

	require.NoError(t, sess.Close())

	select {
	case ev := <-w.Events():
		assert.Equal(t, HostUpKey("h1"), ev.Path)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}

	_, _, err = b.Get(ctx, HostUpKey("h1"))
	assert.True(t, trace.IsNotFound(err))
}

func TestMemMimicsClockworkForTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewMem(clock)
	ctx := context.Background()

	_, err := b.Create(ctx, "/status/hosts/h/up", []byte("up"), time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	_, _, err = b.Get(ctx, "/status/hosts/h/up")
	assert.True(t, trace.IsNotFound(err))
}
