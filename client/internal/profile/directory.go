package profile

import (
	"sync"

	"github.com/powfeed/powfeed/pkg/nostr"
)

type entry struct {
	md        Metadata
	createdAt int64
}

// Directory holds the newest parsed metadata per public key.
// It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	byKey   map[string]entry
	skipped int64
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{byKey: make(map[string]entry)}
}

// Observe records a kind-0 event. Other kinds, malformed payloads and events
// older than the stored one are ignored. It reports whether the directory changed.
func (d *Directory) Observe(ev nostr.Event) bool {
	if ev.Kind != nostr.KindMetadata || ev.PubKey == "" {
		return false
	}
	md, ok := Parse(ev.Content)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !ok {
		d.skipped++
		return false
	}
	if cur, found := d.byKey[ev.PubKey]; found && cur.createdAt >= ev.CreatedAt {
		return false
	}
	d.byKey[ev.PubKey] = entry{md: md, createdAt: ev.CreatedAt}
	return true
}

// Lookup returns the stored metadata for pubkey.
func (d *Directory) Lookup(pubkey string) (Metadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byKey[pubkey]
	return e.md, ok
}

// Known reports whether metadata for pubkey has been seen.
func (d *Directory) Known(pubkey string) bool {
	_, ok := d.Lookup(pubkey)
	return ok
}

// Name returns the display name for pubkey, falling back to its short form.
func (d *Directory) Name(pubkey string) string {
	md, ok := d.Lookup(pubkey)
	return DisplayName(pubkey, md, ok)
}

// Len returns the number of authors with metadata.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byKey)
}

// Skipped returns how many metadata events were dropped as malformed.
func (d *Directory) Skipped() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.skipped
}
