package ioengine

import "sync/atomic"

// Counters tracks store traffic for one run. Under dry-run the mutating
// counters record intended operations, so a dry-run backup reports the
// same would-be block count as a real one.
type Counters struct {
	gets     atomic.Int64
	getBytes atomic.Int64
	puts     atomic.Int64
	putBytes atomic.Int64
	deletes  atomic.Int64
}

// CounterSnapshot is a point-in-time copy of a run's counters.
type CounterSnapshot struct {
	Gets     int64 `json:"gets"`
	GetBytes int64 `json:"get_bytes"`
	Puts     int64 `json:"puts"`
	PutBytes int64 `json:"put_bytes"`
	Deletes  int64 `json:"deletes"`
}

func (c *Counters) addGet(n int) {
	c.gets.Add(1)
	c.getBytes.Add(int64(n))
}

func (c *Counters) addPut(n int) {
	c.puts.Add(1)
	c.putBytes.Add(int64(n))
}

func (c *Counters) addDelete() {
	c.deletes.Add(1)
}

func (c *Counters) snapshot() CounterSnapshot {
	return CounterSnapshot{
		Gets:     c.gets.Load(),
		GetBytes: c.getBytes.Load(),
		Puts:     c.puts.Load(),
		PutBytes: c.putBytes.Load(),
		Deletes:  c.deletes.Load(),
	}
}
