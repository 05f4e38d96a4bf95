package command

import (
	"strings"
	"sync"
)

// usernameCache maps usernames to platform user ids, learned from every
// message sender and text mention the router sees. Chat platforms treat
// usernames case-insensitively, so keys are lowercased.
//
// The cache is process-local and best-effort: a username never seen since
// the process started stays unresolvable until its owner writes something.
type usernameCache struct {
	mu   sync.Mutex
	byID map[string]int64
}

func newUsernameCache() *usernameCache {
	return &usernameCache{byID: make(map[string]int64)}
}

func (c *usernameCache) learn(username string, id int64) {
	if username == "" || id == 0 {
		return
	}

	c.mu.Lock()
	c.byID[strings.ToLower(username)] = id
	c.mu.Unlock()
}

func (c *usernameCache) resolve(username string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byID[strings.ToLower(username)]
	return id, ok
}
