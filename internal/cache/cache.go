package cache

import "sync"

// DefaultMaxMessages is the number of messages retained per conversation.
const DefaultMaxMessages = 50

// Cache keeps a bounded window of recent message texts per conversation.
//
// All operations on a single conversation are serialized by that
// conversation's own lock. The outer lock only guards buffer lookup and
// creation, so different conversations never wait on each other while
// appending or reading.
type Cache struct {
	maxMessages int

	mu      sync.RWMutex
	buffers map[int64]*buffer
}

type buffer struct {
	mu       sync.Mutex
	messages []string
}

// New creates an empty cache holding at most maxMessages texts per
// conversation. Non-positive values fall back to DefaultMaxMessages.
func New(maxMessages int) *Cache {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Cache{
		maxMessages: maxMessages,
		buffers:     make(map[int64]*buffer),
	}
}

// MaxMessages returns the per-conversation bound.
func (c *Cache) MaxMessages() int {
	return c.maxMessages
}

// Append adds text to the end of the conversation's window, dropping the
// oldest entries once the window exceeds the bound.
func (c *Cache) Append(chatID int64, text string) {
	b := c.bufferFor(chatID)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, text)
	if over := len(b.messages) - c.maxMessages; over > 0 {
		// Copy into a fresh slice so the dropped prefix can be collected.
		kept := make([]string, c.maxMessages, c.maxMessages+1)
		copy(kept, b.messages[over:])
		b.messages = kept
	}
}

// Read returns a copy of the conversation's messages, oldest first.
// Unknown conversations yield an empty slice.
func (c *Cache) Read(chatID int64) []string {
	c.mu.RLock()
	b, ok := c.buffers[chatID]
	c.mu.RUnlock()
	if !ok {
		return []string{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len reports how many messages are cached for the conversation.
func (c *Cache) Len(chatID int64) int {
	c.mu.RLock()
	b, ok := c.buffers[chatID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Conversations reports how many conversations have a buffer.
func (c *Cache) Conversations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffers)
}

func (c *Cache) bufferFor(chatID int64) *buffer {
	c.mu.RLock()
	b, ok := c.buffers[chatID]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[chatID]; ok {
		return b
	}
	b = &buffer{}
	c.buffers[chatID] = b
	return b
}
