// Package changeresolver applies staged change uploads to the current contents
// of a file. Each file records at v0 the name of the resolver that accepts its
// changes; the deferred uploader looks the resolver up here by that name.
package changeresolver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prn-tf/syncserver/internal/domain"
)

// ErrDuplicateResolver indicates a resolver name was registered twice.
var ErrDuplicateResolver = errors.New("change resolver already registered")

// Replacer accumulates changes over a file's contents and produces the next version.
type Replacer interface {
	// Add applies one change upload.
	Add(change []byte) error

	// Data returns the contents of the next file version.
	Data() ([]byte, error)
}

// Resolver creates Replacers for the files that name it.
type Resolver interface {
	// Name is the value recorded in FileIndex.ChangeResolverName.
	Name() string

	// NewReplacer starts from the current contents of a file.
	NewReplacer(current []byte) (Replacer, error)
}

// Manager is the set of resolvers known to the server.
type Manager struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{resolvers: make(map[string]Resolver)}
}

// NewDefaultManager creates a Manager holding the built-in resolvers.
func NewDefaultManager() *Manager {
	m := NewManager()
	// Built-ins have distinct names.
	_ = m.Register(WholeFileReplacer{})
	_ = m.Register(CommentFile{})
	return m
}

// Register adds a resolver. Returns ErrDuplicateResolver if its name is taken.
func (m *Manager) Register(r Resolver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.resolvers[r.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateResolver, r.Name())
	}
	m.resolvers[r.Name()] = r
	return nil
}

// Get returns the resolver registered under name.
// Returns domain.ErrChangeResolverNotFound if there is none.
func (m *Manager) Get(name string) (Resolver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resolvers[name]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrChangeResolverNotFound, "unknown change resolver", name)
	}
	return r, nil
}

// Valid reports whether a resolver is registered under name.
func (m *Manager) Valid(name string) bool {
	_, err := m.Get(name)
	return err == nil
}

// Names returns the registered resolver names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.resolvers))
	for name := range m.resolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply runs every change, in order, over current and returns the next contents.
func Apply(r Resolver, current []byte, changes [][]byte) ([]byte, error) {
	replacer, err := r.NewReplacer(current)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read current contents: %w", r.Name(), err)
	}
	for i, change := range changes {
		if err := replacer.Add(change); err != nil {
			return nil, fmt.Errorf("%s: failed to apply change %d: %w", r.Name(), i+1, err)
		}
	}
	return replacer.Data()
}

// ValidV0 checks that the initial contents of a file can be read by the resolver,
// so that later changes to the file can be applied.
func ValidV0(r Resolver, contents []byte) error {
	if _, err := r.NewReplacer(contents); err != nil {
		return fmt.Errorf("%s: invalid initial contents: %w", r.Name(), err)
	}
	return nil
}

// ValidChange checks that a change upload is acceptable to the resolver.
func ValidChange(r Resolver, change []byte) error {
	replacer, err := r.NewReplacer(nil)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Name(), err)
	}
	if err := replacer.Add(change); err != nil {
		return fmt.Errorf("%s: invalid change: %w", r.Name(), err)
	}
	return nil
}
