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

// Package keyval wraps the hierarchical coordination store (an etcd v2
// style service with ephemeral nodes and long-poll watches) behind a
// narrow typed Backend contract. Two implementations exist: an etcd
// v2 client for production and an in-process memkv fake for tests.
package keyval

import (
	"context"
	"time"
)

// WatchKind selects what a Watch call reacts to
type WatchKind int

const (
	// WatchData fires when the value at path changes
	WatchData WatchKind = iota
	// WatchChildren fires when path's direct children are created or removed
	WatchChildren
	// WatchExistence fires when path transitions between existing and not existing
	WatchExistence
)

// Event is a single edge-triggered notification delivered by a Watcher.
// Consumers must re-read the path to learn current state; the event
// itself carries no guarantee about what changed, only that something did.
type Event struct {
	// Kind is the kind of change observed
	Kind WatchKind
	// Path is the node path the change was observed on
	Path string
}

// Watcher delivers a stream of Events for a single watched path until
// closed or until the backend's session is lost
type Watcher interface {
	// Events is the channel events are delivered on, at-least-once
	Events() <-chan Event
	// Done is closed when the watch terminates, e.g. on SessionLost
	Done() <-chan struct{}
	// Close stops the watch and releases its resources
	Close() error
}

// Session represents a client's ephemeral registration lease. Done is
// closed when the session is lost, e.g. due to a network partition
// outlasting the lease, signalling the owner to re-bootstrap.
type Session interface {
	// Done is closed when the session backing this registration is lost
	Done() <-chan struct{}
	// Close releases the ephemeral registration, removing its node
	Close() error
}

// OpKind identifies the kind of operation in a Transaction
type OpKind int

const (
	// OpCreate fails if the node already exists
	OpCreate OpKind = iota
	// OpSet fails if the node does not exist
	OpSet
	// OpDelete fails if Version does not match the node's current version
	OpDelete
	// OpAssertExists fails the whole transaction if the node is absent,
	// without mutating anything; used to check a dependency (e.g. "job exists")
	OpAssertExists
	// OpAssertAbsent fails the whole transaction if the node is present
	OpAssertAbsent
)

// Op is a single step of a Transaction
type Op struct {
	Kind    OpKind
	Path    string
	Data    []byte
	Version int64
}

// Backend is the coordination client's narrow contract over the
// hierarchical store, per the control plane's external key layout.
// All calls classify their errors using the trace package: NotFound,
// AlreadyExists, CompareFailed (bad version), ConnectionProblem
// (transient, retried internally), or a SessionLost error for
// operations invalidated by losing the client's session.
type Backend interface {
	// Create writes a new node at path, failing with AlreadyExists if
	// one is already there. Missing parent directories are created along
	// the way, so an absent parent is not an error.
	// ttl of zero means the node is persistent.
	Create(ctx context.Context, path string, data []byte, ttl time.Duration) (version int64, err error)
	// Set overwrites an existing node's value, failing with NotFound if
	// the node is absent.
	Set(ctx context.Context, path string, data []byte) (version int64, err error)
	// Delete removes path. If version is non-zero it is an optimistic
	// delete: CompareFailed if the node's current version differs.
	Delete(ctx context.Context, path string, version int64) error
	// Get reads path's value and current version.
	Get(ctx context.Context, path string) (data []byte, version int64, err error)
	// Children lists path's direct children, in lexical order.
	Children(ctx context.Context, path string) ([]string, error)
	// Transaction applies ops in order. The in-memory backend checks every
	// op before applying any, so a failing op leaves the store unchanged.
	// The etcd backend applies ops one by one: when one fails it deletes
	// the nodes its earlier Creates wrote, but does not undo earlier Sets
	// or Deletes, and other clients can observe the intermediate state.
	Transaction(ctx context.Context, ops []Op) error
	// Watch starts a Watcher for path reacting to the given kind of change.
	Watch(ctx context.Context, path string, kind WatchKind) (Watcher, error)
	// RegisterEphemeral creates path and keeps it alive for the life of
	// the returned Session; losing the session removes the node.
	RegisterEphemeral(ctx context.Context, path string, data []byte) (Session, error)
	// Close releases the backend's session and any held resources.
	Close() error
}
