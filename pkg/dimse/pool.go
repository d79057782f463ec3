package dimse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Profile names the presentation contexts an association must carry. Two
// acquisitions share associations only when their profiles match.
type Profile struct {
	Contexts []ContextProposal
	SCPRoles []string
}

// QueryProfile covers echo, find, move and get without storage sub-operations.
var QueryProfile = Profile{Contexts: DefaultContexts()}

func (p Profile) key() string {
	var b strings.Builder
	for _, c := range p.Contexts {
		b.WriteString(c.AbstractSyntax)
		b.WriteByte('=')
		b.WriteString(strings.Join(c.TransferSyntaxes, ","))
		b.WriteByte(';')
	}
	b.WriteByte('|')
	b.WriteString(strings.Join(p.SCPRoles, ","))
	return b.String()
}

type poolKey struct {
	endpoint Endpoint
	profile  string
}

type pooled struct {
	assoc *Association
	key   poolKey
	busy  bool
}

// Pool keeps associations open per endpoint for reuse. An association is
// lent to one caller at a time; concurrent callers for the same endpoint get
// separate associations. A lease stays held until it is returned, so a
// caller that parks mid-operation, such as a paused retrieve, keeps its
// association and later callers open another one, so the device sees more
// than one connection.
type Pool struct {
	config        PoolConfig
	dial          func(context.Context, AssociationConfig) (*Association, error)
	entries       map[poolKey][]*pooled
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
}

// PoolConfig holds configuration for the association pool
type PoolConfig struct {
	CallingAET      string
	Timeout         time.Duration
	ResponseTimeout time.Duration
	MaxPDULength    uint32
	MaxIdleTime     time.Duration
	CleanupInterval time.Duration
}

// NewPool creates an association pool and starts its idle reaper.
func NewPool(config PoolConfig) *Pool {
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 1 * time.Minute
	}

	pool := &Pool{
		config:        config,
		dial:          Dial,
		entries:       make(map[poolKey][]*pooled),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		done:          make(chan struct{}),
	}

	go pool.cleanup()

	return pool
}

// Acquire returns an idle established association to endpoint carrying
// profile, or negotiates a new one.
func (p *Pool) Acquire(ctx context.Context, endpoint Endpoint, profile Profile) (*Lease, error) {
	key := poolKey{endpoint: endpoint, profile: profile.key()}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.entries[key][:0]
	var found *pooled
	for _, e := range p.entries[key] {
		if !e.assoc.IsEstablished() {
			continue
		}
		live = append(live, e)
		if found == nil && !e.busy {
			found = e
		}
	}
	p.entries[key] = live

	if found == nil {
		assoc, err := p.dial(ctx, AssociationConfig{
			Endpoint:        endpoint,
			CallingAET:      p.config.CallingAET,
			Timeout:         p.config.Timeout,
			ResponseTimeout: p.config.ResponseTimeout,
			MaxPDULength:    p.config.MaxPDULength,
			Contexts:        profile.Contexts,
			SCPRoles:        profile.SCPRoles,
		})
		if err != nil {
			return nil, err
		}
		found = &pooled{assoc: assoc, key: key}
		p.entries[key] = append(p.entries[key], found)
	}
	found.busy = true
	return &Lease{pool: p, entry: found}, nil
}

func (p *Pool) untrack(e *pooled) {
	list := p.entries[e.key]
	for i, x := range list {
		if x == e {
			p.entries[e.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.entries[e.key]) == 0 {
		delete(p.entries, e.key)
	}
}

// ReleaseAll releases every tracked association, lent or idle.
func (p *Pool) ReleaseAll() error {
	p.mu.Lock()
	var all []*pooled
	for _, list := range p.entries {
		all = append(all, list...)
	}
	p.entries = make(map[poolKey][]*pooled)
	p.mu.Unlock()

	var errs []error
	for _, e := range all {
		if err := e.assoc.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the idle reaper and releases all associations.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.cleanupTicker.Stop()
	})
	if err := p.ReleaseAll(); err != nil {
		return fmt.Errorf("encountered errors while closing pool: %w", err)
	}
	return nil
}

func (p *Pool) cleanup() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.removeIdle()
		case <-p.done:
			return
		}
	}
}

func (p *Pool) removeIdle() {
	p.mu.Lock()
	var stale []*pooled
	for _, list := range p.entries {
		for _, e := range list {
			if !e.busy && (!e.assoc.IsEstablished() || time.Since(e.assoc.LastUsed()) > p.config.MaxIdleTime) {
				stale = append(stale, e)
			}
		}
	}
	for _, e := range stale {
		p.untrack(e)
	}
	p.mu.Unlock()

	for _, e := range stale {
		_ = e.assoc.Release()
	}
}

// Stats returns pool statistics
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s PoolStats
	endpoints := make(map[Endpoint]struct{})
	for key, list := range p.entries {
		endpoints[key.endpoint] = struct{}{}
		for _, e := range list {
			s.TotalAssociations++
			if e.busy {
				s.Busy++
			}
		}
	}
	s.Endpoints = len(endpoints)
	return s
}

// PoolStats holds pool statistics
type PoolStats struct {
	TotalAssociations int `json:"total_associations"`
	Busy              int `json:"busy"`
	Endpoints         int `json:"endpoints"`
}

// Lease is exclusive use of a pooled association. Exactly one of Return or
// Release takes effect; later calls are no-ops.
type Lease struct {
	pool  *Pool
	entry *pooled
	once  sync.Once
}

// Association returns the leased association.
func (l *Lease) Association() *Association {
	return l.entry.assoc
}

// Return hands the association back for reuse. A broken association is
// dropped instead.
func (l *Lease) Return() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		defer p.mu.Unlock()
		l.entry.busy = false
		if !l.entry.assoc.IsEstablished() {
			p.untrack(l.entry)
		}
	})
}

// Release ends the association and removes it from the pool.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		p.untrack(l.entry)
		p.mu.Unlock()
		err = l.entry.assoc.Release()
	})
	return err
}
