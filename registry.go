package main

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalizeName lowercases, trims, and strips diacritics so a rejoining
// player reclaims the same identity regardless of casing or accents.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// registry tracks connected clients and maps each player identity to at
// most one live connection. It is only ever touched from the hub goroutine,
// which serializes all access.
type registry struct {
	clients map[*client]bool

	// playerID → live connection; absent means the player is offline but
	// retains identity and score.
	connections map[string]*client

	// playerID → persisted record, loaded at boot and extended on first
	// join.
	records map[string]*PlayerEntity

	host *client
}

func newRegistry(players []*PlayerEntity) *registry {
	records := make(map[string]*PlayerEntity, len(players))
	for _, p := range players {
		records[p.Key.Row] = p
	}

	return &registry{
		clients:     make(map[*client]bool),
		connections: make(map[string]*client),
		records:     records,
	}
}

func (reg *registry) add(c *client) {
	reg.clients[c] = true
}

// remove drops a connection, releasing the host slot or the player's
// connection mapping. Identity and score survive the disconnect.
func (reg *registry) remove(c *client) {
	delete(reg.clients, c)

	if reg.host == c {
		reg.host = nil
	}
	if c.playerID != "" && reg.connections[c.playerID] == c {
		delete(reg.connections, c.playerID)
	}
}

// claimHost registers a connection as the single host. A second concurrent
// host is rejected rather than replaced, to avoid split-brain control.
func (reg *registry) claimHost(c *client) error {
	if reg.host != nil && reg.host != c {
		return errHostAlreadyActive
	}

	reg.host = c
	c.isHost = true

	return nil
}

// join validates name+pin against the stored player set, creating the
// record on first-ever join. It returns the player record, whether it was
// newly created, and the connection this join displaced (the caller closes
// it outside the critical section).
func (reg *registry) join(c *client, name string, pin int) (*PlayerEntity, bool, *client, error) {
	id := normalizeName(name)
	if id == "" {
		return nil, false, nil, fmt.Errorf("empty player name: %w", errPinMismatch)
	}

	record, ok := reg.records[id]
	if ok && record.Pin != pin {
		return nil, false, nil, fmt.Errorf("player %q: %w", name, errPinMismatch)
	}

	created := false
	if !ok {
		record = newPlayerEntity(partitionPlayers, id)
		record.Name = strings.TrimSpace(name)
		record.Pin = pin
		reg.records[id] = record
		created = true
	}

	// A newer connection for the same identity replaces the older one.
	displaced := reg.connections[id]
	if displaced == c {
		displaced = nil
	}

	c.playerID = id
	reg.connections[id] = c

	return record, created, displaced, nil
}

// online reports whether the player currently has a live connection.
func (reg *registry) online(playerID string) bool {
	_, ok := reg.connections[playerID]
	return ok
}
