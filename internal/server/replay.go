package server

const defaultReplayCacheSize = 256

// replayCache remembers the response frame written for the most recent
// request ids of one connection, evicting the oldest first. A nil frame
// marks a request that was handled without a reply.
//
// It is owned by the connection's read loop and is not synchronized.
type replayCache struct {
	frames map[uint32][]byte
	ring   []uint32
	next   int
	full   bool
}

func newReplayCache(size int) *replayCache {
	if size <= 0 {
		size = defaultReplayCacheSize
	}
	return &replayCache{
		frames: make(map[uint32][]byte, size),
		ring:   make([]uint32, size),
	}
}

func (c *replayCache) Get(id uint32) ([]byte, bool) {
	frame, ok := c.frames[id]
	return frame, ok
}

func (c *replayCache) Put(id uint32, frame []byte) {
	if _, ok := c.frames[id]; ok {
		c.frames[id] = frame
		return
	}
	if c.full {
		delete(c.frames, c.ring[c.next])
	}
	c.ring[c.next] = id
	c.frames[id] = frame
	c.next++
	if c.next == len(c.ring) {
		c.next = 0
		c.full = true
	}
}

func (c *replayCache) Len() int { return len(c.frames) }
