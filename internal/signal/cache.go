package signal

import "container/list"

// deviceCache is a fixed-capacity LRU of per-device smoothing state.
// Every lookup moves the device to the front, so eviction always removes
// the least-recently-processed device. Capacity is fixed at construction.
type deviceCache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	deviceID string
	state    *deviceState
}

func newDeviceCache(capacity int) *deviceCache {
	if capacity <= 0 {
		capacity = defaultDeviceCacheSize
	}
	return &deviceCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the device's state and marks it most recently used.
func (c *deviceCache) get(deviceID string) (*deviceState, bool) {
	el, ok := c.entries[deviceID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).state, true
}

// put inserts the device's state, evicting the least-recently-used entry
// when the cache is full. Returns the evicted device id, if any.
func (c *deviceCache) put(deviceID string, st *deviceState) (string, bool) {
	if el, ok := c.entries[deviceID]; ok {
		el.Value.(*cacheEntry).state = st
		c.order.MoveToFront(el)
		return "", false
	}
	c.entries[deviceID] = c.order.PushFront(&cacheEntry{deviceID: deviceID, state: st})
	if c.order.Len() <= c.capacity {
		return "", false
	}
	oldest := c.order.Back()
	entry := oldest.Value.(*cacheEntry)
	c.order.Remove(oldest)
	delete(c.entries, entry.deviceID)
	return entry.deviceID, true
}

func (c *deviceCache) remove(deviceID string) {
	if el, ok := c.entries[deviceID]; ok {
		c.order.Remove(el)
		delete(c.entries, deviceID)
	}
}

func (c *deviceCache) len() int { return c.order.Len() }
