package mocks

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/moltbunker/locker/internal/networking"
)

// MockHostNetwork is an in-memory implementation of networking.HostNetwork
type MockHostNetwork struct {
	recorder

	mu    sync.Mutex
	links map[string]networking.Link
	// Prefixes claimed by interfaces outside of links
	claimed []netip.Prefix

	createErr error
	deleteErr error
}

// NewMockHostNetwork creates an empty host network
func NewMockHostNetwork() *MockHostNetwork {
	return &MockHostNetwork{links: make(map[string]networking.Link)}
}

// Claim marks prefix as used by some other host interface
func (m *MockHostNetwork) Claim(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed = append(m.claimed, netip.MustParsePrefix(prefix))
}

// AddLink registers an existing interface
func (m *MockHostNetwork) AddLink(link networking.Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.Name] = link
}

// HasLink reports whether name exists
func (m *MockHostNetwork) HasLink(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[name]
	return ok
}

// SetCreateError sets an error to be returned on CreateBridge
func (m *MockHostNetwork) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError sets an error to be returned on DeleteLink
func (m *MockHostNetwork) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func (m *MockHostNetwork) LinkByName(name string) (networking.Link, bool, error) {
	m.recordCall("LinkByName", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[name]
	return link, ok, nil
}

func (m *MockHostNetwork) CreateBridge(name string, addr netip.Prefix) error {
	m.recordCall("CreateBridge", name, addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.links[name]; ok {
		return fmt.Errorf("link %s already exists", name)
	}
	m.links[name] = networking.Link{Name: name, Up: true, Addrs: []netip.Prefix{addr}}
	return nil
}

func (m *MockHostNetwork) DeleteLink(name string) error {
	m.recordCall("DeleteLink", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.links, name)
	return nil
}

func (m *MockHostNetwork) InterfacePrefixes() ([]netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]netip.Prefix(nil), m.claimed...)
	for _, link := range m.links {
		for _, a := range link.Addrs {
			out = append(out, a.Masked())
		}
	}
	return out, nil
}

var _ networking.HostNetwork = (*MockHostNetwork)(nil)
