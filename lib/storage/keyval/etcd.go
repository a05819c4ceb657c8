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
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinnylapenna/helios/lib/defaults"
	"github.com/vinnylapenna/helios/lib/utils"

	"github.com/cenkalti/backoff"
	"github.com/coreos/etcd/client"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// EtcdConfig configures an etcd v2 backed Backend
type EtcdConfig struct {
	// Clock is injected for testability; defaults to the real clock
	Clock clockwork.Clock
	// Nodes is the list of etcd member client URLs
	Nodes []string
	// Key is the root path all of this backend's keys are namespaced under
	Key string
	// RetryInterval bounds a single call's retry budget for transient errors
	RetryInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults
func (cfg *EtcdConfig) CheckAndSetDefaults() error {
	if len(cfg.Nodes) == 0 {
		return trace.BadParameter("at least one etcd node is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaults.EtcdKey
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaults.RetrySmallerMaxInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewEtcdBackend returns a Backend backed by a live etcd v2 cluster
func NewEtcdBackend(cfg EtcdConfig) (Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	transport := &http.Transport{
		Dial: (&net.Dialer{
			Timeout:   defaults.DialTimeout,
			KeepAlive: defaults.KeepAliveTimeout,
		}).Dial,
		TLSHandshakeTimeout: defaults.DialTimeout,
		MaxIdleConnsPerHost: defaults.MaxIdleConnsPerHost,
	}
	clt, err := client.New(client.Config{
		Endpoints:               cfg.Nodes,
		Transport:               transport,
		HeaderTimeoutPerRequest: defaults.ReadHeadersTimeout,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	api := retryAPI{
		api:      client.NewKeysAPI(clt),
		interval: cfg.RetryInterval,
	}
	return &etcdBackend{
		cfg:    cfg,
		client: clt,
		api:    api,
	}, nil
}

type etcdBackend struct {
	cfg    EtcdConfig
	client client.Client
	api    client.KeysAPI
}

func (b *etcdBackend) fullPath(path string) string {
	return strings.TrimSuffix(b.cfg.Key, "/") + path
}

func (b *etcdBackend) Create(ctx context.Context, path string, data []byte, ttl time.Duration) (int64, error) {
	resp, err := b.api.Set(ctx, b.fullPath(path), string(data),
		&client.SetOptions{PrevExist: client.PrevNoExist, TTL: ttl})
	if err != nil {
		return 0, convertErr(err)
	}
	return int64(resp.Node.ModifiedIndex), nil
}

func (b *etcdBackend) Set(ctx context.Context, path string, data []byte) (int64, error) {
	resp, err := b.api.Set(ctx, b.fullPath(path), string(data),
		&client.SetOptions{PrevExist: client.PrevExist})
	if err != nil {
		return 0, convertErr(err)
	}
	return int64(resp.Node.ModifiedIndex), nil
}

func (b *etcdBackend) Delete(ctx context.Context, path string, version int64) error {
	opts := &client.DeleteOptions{}
	if version != 0 {
		opts.PrevIndex = uint64(version)
	}
	_, err := b.api.Delete(ctx, b.fullPath(path), opts)
	return convertErr(err)
}

func (b *etcdBackend) Get(ctx context.Context, path string) ([]byte, int64, error) {
	resp, err := b.api.Get(ctx, b.fullPath(path), nil)
	if err != nil {
		return nil, 0, convertErr(err)
	}
	if resp.Node.Dir {
		return nil, 0, trace.BadParameter("%q is a directory", path)
	}
	return []byte(resp.Node.Value), int64(resp.Node.ModifiedIndex), nil
}

func (b *etcdBackend) Children(ctx context.Context, path string) ([]string, error) {
	resp, err := b.api.Get(ctx, b.fullPath(path), &client.GetOptions{Sort: true})
	if err != nil {
		if trace.IsNotFound(convertErr(err)) {
			return nil, nil
		}
		return nil, convertErr(err)
	}
	if !resp.Node.Dir {
		return nil, trace.BadParameter("%q is not a directory", path)
	}
	out := make([]string, 0, len(resp.Node.Nodes))
	for _, n := range resp.Node.Nodes {
		out = append(out, suffix(n.Key))
	}
	sort.Strings(out)
	return out, nil
}

// Transaction applies ops in order, undoing completed ops if a later
// one fails. Etcd's v2 KeysAPI has no native multi-key atomic
// transaction, so this is a best-effort ordered apply with
// compensation rather than true isolation: a concurrent writer could
// in principle observe an intermediate state. Callers that need the
// "assert job exists, assert deployment absent, write deployment"
// sequence from §4.3 are safe in practice because the two asserts are
// reads with no side effect to compensate.
func (b *etcdBackend) Transaction(ctx context.Context, ops []Op) error {
	applied := make([]Op, 0, len(ops))
	for _, op := range ops {
		if err := b.applyOp(ctx, op); err != nil {
			b.compensate(ctx, applied)
			return trace.Wrap(err)
		}
		applied = append(applied, op)
	}
	return nil
}

func (b *etcdBackend) applyOp(ctx context.Context, op Op) error {
	switch op.Kind {
	case OpAssertExists:
		_, _, err := b.Get(ctx, op.Path)
		return err
	case OpAssertAbsent:
		_, _, err := b.Get(ctx, op.Path)
		if err == nil {
			return trace.AlreadyExists("%v already exists", op.Path)
		}
		if trace.IsNotFound(err) {
			return nil
		}
		return err
	case OpCreate:
		_, err := b.Create(ctx, op.Path, op.Data, 0)
		return err
	case OpSet:
		_, err := b.Set(ctx, op.Path, op.Data)
		return err
	case OpDelete:
		return b.Delete(ctx, op.Path, op.Version)
	default:
		return trace.BadParameter("unknown op kind %v", op.Kind)
	}
}

// compensate best-effort undoes ops that have side effects; asserts
// have none and are skipped
func (b *etcdBackend) compensate(ctx context.Context, applied []Op) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		var err error
		switch op.Kind {
		case OpCreate:
			err = b.Delete(ctx, op.Path, 0)
		case OpSet, OpDelete:
			// Set/Delete compensation would require the prior value,
			// which this simple engine does not track; log and move on.
			continue
		}
		if err != nil {
			log.WithError(err).Warn("Failed to compensate transaction op.")
		}
	}
}

func (b *etcdBackend) Watch(ctx context.Context, path string, kind WatchKind) (Watcher, error) {
	watcher := b.api.Watcher(b.fullPath(path), &client.WatcherOptions{Recursive: kind != WatchData})
	w := &etcdWatcher{
		watcher: watcher,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		kind:    kind,
	}
	go w.run(ctx)
	return w, nil
}

type etcdWatcher struct {
	watcher  client.Watcher
	events   chan Event
	done     chan struct{}
	kind     WatchKind
	closeMux sync.Once
}

func (w *etcdWatcher) run(ctx context.Context) {
	defer close(w.events)
	for {
		resp, err := w.watcher.Next(ctx)
		if err != nil {
			return
		}
		select {
		case w.events <- Event{Kind: w.kind, Path: resp.Node.Key}:
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *etcdWatcher) Events() <-chan Event   { return w.events }
func (w *etcdWatcher) Done() <-chan struct{}  { return w.done }
func (w *etcdWatcher) Close() error {
	w.closeMux.Do(func() { close(w.done) })
	return nil
}

// RegisterEphemeral creates path with a TTL and refreshes it on a
// timer for the life of the returned Session. If a refresh fails
// because the node already expired, the session is considered lost.
func (b *etcdBackend) RegisterEphemeral(ctx context.Context, path string, data []byte) (Session, error) {
	ttl := defaults.EtcdRetryInterval
	if _, err := b.Create(ctx, path, data, ttl); err != nil {
		return nil, trace.Wrap(err)
	}
	sessCtx, cancel := context.WithCancel(ctx)
	s := &etcdSession{
		backend: b,
		path:    path,
		ttl:     ttl,
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.heartbeat(sessCtx)
	return s, nil
}

type etcdSession struct {
	backend  *etcdBackend
	path     string
	ttl      time.Duration
	done     chan struct{}
	doneOnce sync.Once
	cancel   context.CancelFunc
}

func (s *etcdSession) heartbeat(ctx context.Context) {
	interval := s.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Refresh renews the TTL without changing the node's value
			if _, err := s.backend.api.Set(ctx, s.backend.fullPath(s.path), "",
				&client.SetOptions{PrevExist: client.PrevExist, TTL: s.ttl, Refresh: true}); err != nil {
				s.lost()
				return
			}
		}
	}
}

func (s *etcdSession) lost() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *etcdSession) Done() <-chan struct{} { return s.done }

func (s *etcdSession) Close() error {
	s.cancel()
	s.doneOnce.Do(func() { close(s.done) })
	return trace.Wrap(s.backend.Delete(context.Background(), s.path, 0))
}

func (b *etcdBackend) Close() error {
	return nil
}

func convertErr(e error) error {
	if e == nil {
		return nil
	}
	switch err := e.(type) {
	case *client.ClusterError:
		return trace.ConnectionProblem(err, "failed to connect to the etcd cluster")
	case client.Error:
		switch err.Code {
		case client.ErrorCodeKeyNotFound:
			return trace.NotFound(err.Error())
		case client.ErrorCodeNotFile:
			return trace.BadParameter(err.Error())
		case client.ErrorCodeNodeExist:
			return trace.AlreadyExists(err.Error())
		case client.ErrorCodeTestFailed:
			return trace.CompareFailed(err.Error())
		}
	}
	return e
}

func suffix(key string) string {
	parts := strings.Split(key, "/")
	return parts[len(parts)-1]
}

type retryAPI struct {
	api      client.KeysAPI
	interval time.Duration
}

func (r retryAPI) Get(ctx context.Context, key string, opts *client.GetOptions) (*client.Response, error) {
	return r.retry(ctx, func() (*client.Response, error) { return r.api.Get(ctx, key, opts) })
}

func (r retryAPI) Set(ctx context.Context, key, value string, opts *client.SetOptions) (*client.Response, error) {
	return r.retry(ctx, func() (*client.Response, error) { return r.api.Set(ctx, key, value, opts) })
}

func (r retryAPI) Delete(ctx context.Context, key string, opts *client.DeleteOptions) (*client.Response, error) {
	return r.retry(ctx, func() (*client.Response, error) { return r.api.Delete(ctx, key, opts) })
}

func (r retryAPI) Create(ctx context.Context, key, value string) (*client.Response, error) {
	return r.retry(ctx, func() (*client.Response, error) { return r.api.Create(ctx, key, value) })
}

func (r retryAPI) CreateInOrder(ctx context.Context, dir, value string, opts *client.CreateInOrderOptions) (*client.Response, error) {
	return r.retry(ctx, func() (*client.Response, error) { return r.api.CreateInOrder(ctx, dir, value, opts) })
}

func (r retryAPI) Update(ctx context.Context, key, value string) (*client.Response, error) {
	return r.retry(ctx, func() (*client.Response, error) { return r.api.Update(ctx, key, value) })
}

func (r retryAPI) Watcher(key string, opts *client.WatcherOptions) client.Watcher {
	return r.api.Watcher(key, opts)
}

func (r retryAPI) retry(ctx context.Context, fn func() (*client.Response, error)) (*client.Response, error) {
	interval := backoff.NewExponentialBackOff()
	interval.MaxElapsedTime = r.interval
	b := backoff.WithContext(interval, ctx)
	var resp *client.Response
	err := backoff.Retry(func() (err error) {
		resp, err = fn()
		if utils.IsTransientClusterError(err) {
			log.WithField("err", trace.UserMessage(err)).Debug("Retry on transient etcd error.")
			return trace.Wrap(err)
		}
		if err != nil {
			return &backoff.PermanentError{Err: err}
		}
		return nil
	}, b)
	if err != nil {
		return nil, convertErr(err)
	}
	return resp, nil
}
