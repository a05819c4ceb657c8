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
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// NewMem returns an in-process Backend fake with no external
// dependencies, for unit and integration tests that exercise Master
// and Agent logic without a real etcd cluster.
func NewMem(clock clockwork.Clock) Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memBackend{
		clock:    clock,
		nodes:    map[string]*memNode{"/": {isDir: true}},
		watchers: map[string][]*memWatcher{},
	}
}

type memNode struct {
	data    []byte
	version int64
	isDir   bool
	expires time.Time
}

type memBackend struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	seq      int64
	nodes    map[string]*memNode
	watchers map[string][]*memWatcher
}

type memWatcher struct {
	path   string
	kind   WatchKind
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (w *memWatcher) Events() <-chan Event  { return w.events }
func (w *memWatcher) Done() <-chan struct{} { return w.done }
func (w *memWatcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func parent(p string) string {
	d := path.Dir(p)
	if d == "." {
		return "/"
	}
	return d
}

func (b *memBackend) nextVersion() int64 {
	b.seq++
	return b.seq
}

// ensureParent creates any missing intermediate directory nodes above
// p, matching etcd v2's own auto-vivifying directory semantics; it
// only fails if a non-directory node already occupies one of those
// path segments.
func (b *memBackend) ensureParent(p string) error {
	dir := parent(p)
	if dir == "/" {
		return nil
	}
	if err := b.ensureParent(dir); err != nil {
		return trace.Wrap(err)
	}
	n, ok := b.nodes[dir]
	if !ok {
		b.nodes[dir] = &memNode{isDir: true}
		return nil
	}
	if !n.isDir {
		return trace.BadParameter("%v: not a directory", dir)
	}
	return nil
}

func (b *memBackend) notify(p string, kind WatchKind) {
	for watchPath, ws := range b.watchers {
		for _, w := range ws {
			if w.kind != kind {
				continue
			}
			if watchPath != p && !strings.HasPrefix(p, strings.TrimSuffix(watchPath, "/")+"/") {
				continue
			}
			select {
			case w.events <- Event{Kind: kind, Path: p}:
			default:
			}
		}
	}
}

func (b *memBackend) expireLocked() {
	now := b.clock.Now()
	for p, n := range b.nodes {
		if p == "/" || n.expires.IsZero() {
			continue
		}
		if now.After(n.expires) {
			delete(b.nodes, p)
			b.notify(p, WatchExistence)
			b.notify(parent(p), WatchChildren)
		}
	}
}

func (b *memBackend) Create(ctx context.Context, p string, data []byte, ttl time.Duration) (int64, error) {
	p = clean(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if _, ok := b.nodes[p]; ok {
		return 0, trace.AlreadyExists("%v already exists", p)
	}
	if err := b.ensureParent(p); err != nil {
		return 0, trace.Wrap(err)
	}
	n := &memNode{data: append([]byte(nil), data...), version: b.nextVersion()}
	if ttl > 0 {
		n.expires = b.clock.Now().Add(ttl)
	}
	b.nodes[p] = n
	b.notify(p, WatchData)
	b.notify(p, WatchExistence)
	b.notify(parent(p), WatchChildren)
	return n.version, nil
}

func (b *memBackend) Set(ctx context.Context, p string, data []byte) (int64, error) {
	p = clean(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	n, ok := b.nodes[p]
	if !ok {
		return 0, trace.NotFound("%v not found", p)
	}
	n.data = append([]byte(nil), data...)
	n.version = b.nextVersion()
	b.notify(p, WatchData)
	// A real etcd backend watches WatchChildren/WatchExistence
	// recursively, so a plain value update on an existing child (e.g.
	// SetGoal flipping a Deployment's goal in place) must still wake a
	// supervisor watching the directory, not just additions/removals.
	b.notify(parent(p), WatchChildren)
	return n.version, nil
}

func (b *memBackend) Delete(ctx context.Context, p string, version int64) error {
	p = clean(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	n, ok := b.nodes[p]
	if !ok {
		return trace.NotFound("%v not found", p)
	}
	if version != 0 && n.version != version {
		return trace.CompareFailed("%v: version mismatch", p)
	}
	delete(b.nodes, p)
	b.notify(p, WatchData)
	b.notify(p, WatchExistence)
	b.notify(parent(p), WatchChildren)
	return nil
}

func (b *memBackend) Get(ctx context.Context, p string) ([]byte, int64, error) {
	p = clean(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	n, ok := b.nodes[p]
	if !ok {
		return nil, 0, trace.NotFound("%v not found", p)
	}
	if n.isDir {
		return nil, 0, trace.BadParameter("%v is a directory", p)
	}
	return append([]byte(nil), n.data...), n.version, nil
}

func (b *memBackend) Children(ctx context.Context, p string) ([]string, error) {
	p = clean(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	prefix := strings.TrimSuffix(p, "/") + "/"
	seen := map[string]bool{}
	var out []string
	for k := range b.nodes {
		if k == p || !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		name := strings.SplitN(rest, "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *memBackend) Transaction(ctx context.Context, ops []Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	// validate every op first so the transaction is all-or-nothing
	for _, op := range ops {
		p := clean(op.Path)
		n, exists := b.nodes[p]
		switch op.Kind {
		case OpAssertExists:
			if !exists {
				return trace.NotFound("%v not found", p)
			}
		case OpAssertAbsent:
			if exists {
				return trace.AlreadyExists("%v already exists", p)
			}
		case OpCreate:
			if exists {
				return trace.AlreadyExists("%v already exists", p)
			}
			if err := b.ensureParent(p); err != nil {
				return trace.Wrap(err)
			}
		case OpSet:
			if !exists {
				return trace.NotFound("%v not found", p)
			}
		case OpDelete:
			if !exists {
				return trace.NotFound("%v not found", p)
			}
			if op.Version != 0 && n.version != op.Version {
				return trace.CompareFailed("%v: version mismatch", p)
			}
		}
	}
	for _, op := range ops {
		p := clean(op.Path)
		switch op.Kind {
		case OpCreate:
			b.nodes[p] = &memNode{data: append([]byte(nil), op.Data...), version: b.nextVersion()}
			b.notify(p, WatchData)
			b.notify(p, WatchExistence)
			b.notify(parent(p), WatchChildren)
		case OpSet:
			n := b.nodes[p]
			n.data = append([]byte(nil), op.Data...)
			n.version = b.nextVersion()
			b.notify(p, WatchData)
			b.notify(parent(p), WatchChildren)
		case OpDelete:
			delete(b.nodes, p)
			b.notify(p, WatchData)
			b.notify(p, WatchExistence)
			b.notify(parent(p), WatchChildren)
		}
	}
	return nil
}

func (b *memBackend) Watch(ctx context.Context, p string, kind WatchKind) (Watcher, error) {
	p = clean(p)
	w := &memWatcher{
		path:   p,
		kind:   kind,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.watchers[p] = append(b.watchers[p], w)
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.done:
		}
		b.mu.Lock()
		ws := b.watchers[p]
		for i, cur := range ws {
			if cur == w {
				b.watchers[p] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()
	return w, nil
}

func (b *memBackend) RegisterEphemeral(ctx context.Context, p string, data []byte) (Session, error) {
	p = clean(p)
	if _, err := b.Create(ctx, p, data, 0); err != nil {
		return nil, trace.Wrap(err)
	}
	return &memSession{backend: b, path: p, done: make(chan struct{})}, nil
}

type memSession struct {
	backend *memBackend
	path    string
	done    chan struct{}
	once    sync.Once
}

func (s *memSession) Done() <-chan struct{} { return s.done }

func (s *memSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return trace.Wrap(s.backend.Delete(context.Background(), s.path, 0))
}

func (b *memBackend) Close() error {
	return nil
}
