package peer

import "sync"

// localCache is a worker-owned ConnectionID <-> PeerAuthToken cache. Each
// worker loop constructs its own instance rather than sharing one; the
// internal mutex only guards against the owning loop's own concurrent
// helper goroutines (there are none today), not cross-worker sharing.
type localCache struct {
	mu     sync.RWMutex
	toPeer map[ConnectionID]PeerAuthToken
	toConn map[PeerAuthToken]ConnectionID
}

func newLocalCache() *localCache {
	return &localCache{
		toPeer: make(map[ConnectionID]PeerAuthToken),
		toConn: make(map[PeerAuthToken]ConnectionID),
	}
}

func (c *localCache) peerFor(connID ConnectionID) (PeerAuthToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.toPeer[connID]
	return t, ok
}

func (c *localCache) connFor(token PeerAuthToken) (ConnectionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.toConn[token]
	return id, ok
}

// put records the bidirectional mapping, evicting any stale reverse entries
// so at most one live ConnectionID maps to a given token at a time and the
// two directions always agree.
func (c *localCache) put(connID ConnectionID, token PeerAuthToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if oldConn, ok := c.toConn[token]; ok && oldConn != connID {
		delete(c.toPeer, oldConn)
	}
	if oldToken, ok := c.toPeer[connID]; ok && oldToken != token {
		delete(c.toConn, oldToken)
	}
	c.toPeer[connID] = token
	c.toConn[token] = connID
}

func (c *localCache) evict(token PeerAuthToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if connID, ok := c.toConn[token]; ok {
		delete(c.toConn, token)
		delete(c.toPeer, connID)
	}
}
