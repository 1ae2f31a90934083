// Package configcache holds the gateway's replicated view of clients and
// providers. Readers always see one consistent snapshot; replacement is
// all-or-nothing.
package configcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/smsgw/sms-gateway/internal/models"
)

// Snapshot is one immutable generation of the configuration caches.
// The three maps are always built together and swapped as a unit.
type Snapshot struct {
	clients   map[string]models.ClientConfig
	providers map[string]models.ProviderConfig
	aliases   map[string]string
}

// Cache is the atomically swappable configuration cache
type Cache struct {
	current   atomic.Pointer[Snapshot]
	statePath string
}

// NormalizeKey lowercases a provider name and strips non-alphanumerics,
// so "Magfa-SMS" and "magfa sms" resolve identically
func NormalizeKey(name string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(name) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// BuildAliasMap maps every normalized canonical name and alias to its
// canonical provider name. Two distinct providers sharing a normalized
// alias is an error and must abort the whole cache replacement.
func BuildAliasMap(providers map[string]models.ProviderConfig) (map[string]string, error) {
	aliasMap := make(map[string]string)
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		aliases := append([]string{name}, providers[name].Aliases...)
		for _, alias := range aliases {
			key := NormalizeKey(alias)
			if key == "" {
				continue
			}
			if existing, ok := aliasMap[key]; ok && existing != name {
				return nil, fmt.Errorf("alias collision: %q already maps to %q, cannot map to %q",
					strings.ToLower(alias), existing, name)
			}
			aliasMap[key] = name
		}
	}
	return aliasMap, nil
}

// New creates a cache starting from an empty snapshot. statePath is the
// local file used for warm starts.
func New(statePath string) *Cache {
	c := &Cache{statePath: statePath}
	c.current.Store(&Snapshot{
		clients:   map[string]models.ClientConfig{},
		providers: map[string]models.ProviderConfig{},
		aliases:   map[string]string{},
	})
	return c
}

// View returns the current snapshot for a consistent sequence of reads
func (c *Cache) View() *Snapshot {
	return c.current.Load()
}

// Replace builds a fresh snapshot from the given maps and swaps it in.
// On alias collision the existing snapshot stays in effect untouched.
func (c *Cache) Replace(clients map[string]models.ClientConfig, providers map[string]models.ProviderConfig) error {
	aliasMap, err := BuildAliasMap(providers)
	if err != nil {
		return err
	}

	newClients := make(map[string]models.ClientConfig, len(clients))
	for k, v := range clients {
		newClients[k] = v
	}
	newProviders := make(map[string]models.ProviderConfig, len(providers))
	for k, v := range providers {
		newProviders[k] = v
	}

	c.current.Store(&Snapshot{
		clients:   newClients,
		providers: newProviders,
		aliases:   aliasMap,
	})
	return nil
}

// ApplyState replaces the caches from a broadcast snapshot payload
func (c *Cache) ApplyState(payload models.StatePayload) error {
	clients := make(map[string]models.ClientConfig, len(payload.Data.Users))
	for _, u := range payload.Data.Users {
		key := strings.TrimSpace(u.APIKey)
		if key == "" {
			continue
		}
		clients[key] = models.ClientConfig{
			UserID:     u.UserID,
			Username:   u.Username,
			IsActive:   u.IsActive,
			DailyQuota: u.DailyQuota,
		}
	}

	providers := make(map[string]models.ProviderConfig, len(payload.Data.Providers))
	for _, p := range payload.Data.Providers {
		if p.Name == "" {
			continue
		}
		providers[p.Name] = models.ProviderConfig{
			IsActive:      p.IsActive,
			IsOperational: p.IsOperational,
			Aliases:       p.Aliases,
			Note:          p.Note,
		}
	}

	return c.Replace(clients, providers)
}

// UpsertClient applies an incremental user update without touching the
// provider or alias maps
func (c *Cache) UpsertClient(apiKey string, cfg models.ClientConfig) {
	old := c.current.Load()
	clients := make(map[string]models.ClientConfig, len(old.clients)+1)
	for k, v := range old.clients {
		clients[k] = v
	}
	clients[apiKey] = cfg
	c.current.Store(&Snapshot{clients: clients, providers: old.providers, aliases: old.aliases})
}

// RemoveClient applies an incremental user deletion
func (c *Cache) RemoveClient(apiKey string) {
	old := c.current.Load()
	clients := make(map[string]models.ClientConfig, len(old.clients))
	for k, v := range old.clients {
		if k != apiKey {
			clients[k] = v
		}
	}
	c.current.Store(&Snapshot{clients: clients, providers: old.providers, aliases: old.aliases})
}

// ReplaceProviders rebuilds the provider and alias maps, keeping the
// client map. Alias removal cannot be patched incrementally, so every
// provider-affecting event funnels through here.
func (c *Cache) ReplaceProviders(providers map[string]models.ProviderConfig) error {
	aliasMap, err := BuildAliasMap(providers)
	if err != nil {
		return err
	}

	old := c.current.Load()
	newProviders := make(map[string]models.ProviderConfig, len(providers))
	for k, v := range providers {
		newProviders[k] = v
	}
	c.current.Store(&Snapshot{clients: old.clients, providers: newProviders, aliases: aliasMap})
	return nil
}

// SaveState persists a raw broadcast payload for warm starts. The write
// goes through a temp file and rename so a crash never leaves a torn file.
func (c *Cache) SaveState(raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := c.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, c.statePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// LoadState warms the cache from the persisted snapshot file.
// Returns false when the file is missing or unusable.
func (c *Cache) LoadState() bool {
	raw, err := os.ReadFile(c.statePath)
	if err != nil {
		return false
	}

	var payload models.StatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	if err := c.ApplyState(payload); err != nil {
		return false
	}
	return true
}

// Fingerprint returns the SHA-256 hex digest of the persisted state file,
// or an empty string when the file is missing
func (c *Cache) Fingerprint() string {
	f, err := os.Open(c.statePath)
	if err != nil {
		return ""
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return ""
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Client looks up a client by API key
func (s *Snapshot) Client(apiKey string) (models.ClientConfig, bool) {
	cfg, ok := s.clients[apiKey]
	return cfg, ok
}

// Provider looks up a provider by canonical name
func (s *Snapshot) Provider(name string) (models.ProviderConfig, bool) {
	cfg, ok := s.providers[name]
	return cfg, ok
}

// Canonical resolves a requested provider name or alias to its canonical
// name, case- and punctuation-insensitively
func (s *Snapshot) Canonical(alias string) (string, bool) {
	name, ok := s.aliases[NormalizeKey(alias)]
	return name, ok
}

// ProviderNames returns all canonical provider names, sorted
func (s *Snapshot) ProviderNames() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveOperational returns the canonical names of providers that are
// both administratively enabled and operationally healthy, sorted
func (s *Snapshot) ActiveOperational() []string {
	var names []string
	for name, cfg := range s.providers {
		if cfg.IsActive && cfg.IsOperational {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Usable reports whether a canonical provider is active and operational
func (s *Snapshot) Usable(name string) bool {
	cfg, ok := s.providers[name]
	return ok && cfg.IsActive && cfg.IsOperational
}

// Providers returns a copy of the provider map for metric refreshes
func (s *Snapshot) Providers() map[string]models.ProviderConfig {
	out := make(map[string]models.ProviderConfig, len(s.providers))
	for k, v := range s.providers {
		out[k] = v
	}
	return out
}
