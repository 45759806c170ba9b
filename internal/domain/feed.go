package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// UnknownFeed labels a price feed id that is not in the registry.
const UnknownFeed = "Unknown"

// Feeds maps human-readable pair names (e.g. "BTC/USD") to Pyth price feed ids.
type Feeds struct {
	byName map[string]common.Hash
	byID   map[common.Hash]string
}

// NewFeeds builds a registry from name -> 0x-prefixed feed id pairs.
func NewFeeds(entries map[string]string) (Feeds, error) {
	f := Feeds{
		byName: make(map[string]common.Hash, len(entries)),
		byID:   make(map[common.Hash]string, len(entries)),
	}
	for name, raw := range entries {
		id, err := ParseFeedID(raw)
		if err != nil {
			return Feeds{}, fmt.Errorf("domain: feed %s: %w", name, err)
		}
		f.byName[name] = id
		f.byID[id] = name
	}
	return f, nil
}

// ParseFeedID decodes a 32-byte hex feed id, with or without 0x prefix.
func ParseFeedID(raw string) (common.Hash, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(s) != 64 {
		return common.Hash{}, fmt.Errorf("feed id must be 32 bytes of hex, got %d chars", len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Hash{}, fmt.Errorf("feed id contains non-hex character %q", c)
		}
	}
	return common.HexToHash(s), nil
}

// ID returns the feed id registered under name.
func (f Feeds) ID(name string) (common.Hash, bool) {
	id, ok := f.byName[name]
	return id, ok
}

// Label returns the pair name for id, or UnknownFeed.
func (f Feeds) Label(id common.Hash) string {
	if name, ok := f.byID[id]; ok {
		return name
	}
	return UnknownFeed
}

// Names lists the registered pair names in sorted order.
func (f Feeds) Names() []string {
	names := make([]string, 0, len(f.byName))
	for n := range f.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
