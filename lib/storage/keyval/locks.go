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
	"time"

	"github.com/gravitational/trace"
)

const delayBetweenLockAttempts = 500 * time.Millisecond

// AcquireLock blocks until it grabs a lock named token, auto-released
// after ttl. The Agent supervisor holds the lock "agent:<host>" so that
// one Agent process at a time reconciles a host; it takes no lock per
// JobId (one Task Runner per JobId comes from its own runner map).
func AcquireLock(ctx context.Context, b Backend, token string, ttl time.Duration) error {
	for {
		err := TryAcquireLock(ctx, b, token, ttl)
		if err == nil {
			return nil
		}
		if !trace.IsCompareFailed(err) && !trace.IsAlreadyExists(err) {
			return trace.Wrap(err)
		}
		select {
		case <-time.After(delayBetweenLockAttempts):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// TryAcquireLock attempts to grab the lock once, returning
// AlreadyExists if it is currently held
func TryAcquireLock(ctx context.Context, b Backend, token string, ttl time.Duration) error {
	_, err := b.Create(ctx, lockKey(token), []byte("locked"), ttl)
	return trace.Wrap(err)
}

// ReleaseLock releases a previously acquired lock
func ReleaseLock(ctx context.Context, b Backend, token string) error {
	return trace.Wrap(b.Delete(ctx, lockKey(token), 0))
}

func lockKey(token string) string {
	return join("locks", token)
}
