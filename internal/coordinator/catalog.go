package coordinator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ferry/internal/executable"
)

// CatalogFile is the name of the catalog inside the manager's temporary root.
const CatalogFile = "catalog.json"

// Entry describes one installed artifact.
type Entry struct {
	Name        string    `json:"name"`
	Files       []string  `json:"files"`
	Sources     []string  `json:"sources"`
	Nodes       []string  `json:"nodes"`
	RequestID   uint64    `json:"request_id"`
	InstalledAt time.Time `json:"installed_at"`
}

// Catalog persists the installed artifacts as JSON text through the
// manager's staging text helpers. Every mutation rewrites the whole file.
type Catalog struct {
	manager *executable.Manager
	mu      sync.Mutex
}

func NewCatalog(manager *executable.Manager) *Catalog {
	return &Catalog{manager: manager}
}

// load returns the stored entries by name; a missing catalog is empty.
func (c *Catalog) load() (map[string]Entry, error) {
	entries := map[string]Entry{}
	ok, err := c.manager.ExistsInStaging(CatalogFile)
	if err != nil || !ok {
		return entries, err
	}
	text, err := c.manager.ReadTextFromStaging(CatalogFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", CatalogFile, err)
	}
	return entries, nil
}

func (c *Catalog) store(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return c.manager.WriteTextToStaging(string(data), CatalogFile)
}

func (c *Catalog) Get(name string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[name]
	return e, ok, nil
}

// Put adds or replaces the entry for e.Name.
func (c *Catalog) Put(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return err
	}
	entries[e.Name] = e
	return c.store(entries)
}

// Delete removes name; deleting an unknown name is a no-op.
func (c *Catalog) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	return c.store(entries)
}

// List returns every entry sorted by name.
func (c *Catalog) List() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}
