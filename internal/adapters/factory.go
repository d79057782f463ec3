package adapters

import (
	"errors"
	"fmt"
	"sync"

	"github.com/otcheredev/dicom-gateway/pkg/dimse"
)

// ClientFactory hands out one transaction client per key, typically a
// source device name, so that each caller owns its association pool.
type ClientFactory struct {
	mu      sync.RWMutex
	config  Config
	clients map[string]*Client
}

// NewClientFactory creates a new client factory
func NewClientFactory(config Config) *ClientFactory {
	return &ClientFactory{
		config:  config,
		clients: make(map[string]*Client),
	}
}

// Config returns the configuration new clients are created with.
func (f *ClientFactory) Config() Config {
	return f.config
}

// Client gets or creates the client for key
func (f *ClientFactory) Client(key string) *Client {
	f.mu.RLock()
	client, exists := f.clients[key]
	f.mu.RUnlock()

	if exists {
		return client
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := f.clients[key]; exists {
		return client
	}

	client = NewClient(f.config)
	f.clients[key] = client
	return client
}

// Remove closes and forgets the client for key
func (f *ClientFactory) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	client, exists := f.clients[key]
	if !exists {
		return nil
	}
	delete(f.clients, key)

	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close client %s: %w", key, err)
	}
	return nil
}

// Stats reports the association pool of every client by key.
func (f *ClientFactory) Stats() map[string]dimse.PoolStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]dimse.PoolStats, len(f.clients))
	for key, client := range f.clients {
		out[key] = client.Stats()
	}
	return out
}

// CloseAll closes all clients
func (f *ClientFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for key, client := range f.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close client %s: %w", key, err))
		}
		delete(f.clients, key)
	}
	return errors.Join(errs...)
}
