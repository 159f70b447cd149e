// Package partition assigns asynchronously posted events to bus workers.
//
// Events that implement eventbus.Keyed are routed by key, so events with the
// same key are always handled by the same worker in posting order. Other
// events are spread across workers.
//
// # Basic Usage
//
//	p := partition.NewHashPartitioner()
//	worker := p.Partition("order-123", 4)
//	// "order-123" always maps to the same worker
//
// A custom Partitioner can be installed on a bus with
// eventbus.WithPartitioner.
package partition

import (
	"hash/fnv"
	"sync/atomic"
)

// Partitioner determines which worker an event should be routed to.
//
// Implementations used for keyed events must be deterministic: the same key
// must always map to the same partition for a given numPartitions.
type Partitioner interface {
	// Partition returns a value in range [0, numPartitions).
	Partition(key string, numPartitions int) int
}

// HashPartitioner uses the FNV-1a hash of the key.
type HashPartitioner struct{}

// NewHashPartitioner creates a new hash-based partitioner.
func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{}
}

// Partition returns the partition number using FNV-1a hash
func (p *HashPartitioner) Partition(key string, numPartitions int) int {
	if numPartitions <= 1 || key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numPartitions))
}

// RoundRobinPartitioner ignores the key and cycles through partitions.
// It is safe for concurrent use.
type RoundRobinPartitioner struct {
	counter atomic.Uint64
}

// NewRoundRobinPartitioner creates a new round-robin partitioner
func NewRoundRobinPartitioner() *RoundRobinPartitioner {
	return &RoundRobinPartitioner{}
}

// Partition returns the next partition in round-robin order
func (p *RoundRobinPartitioner) Partition(_ string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	return int((p.counter.Add(1) - 1) % uint64(numPartitions))
}

// Compile-time checks
var (
	_ Partitioner = (*HashPartitioner)(nil)
	_ Partitioner = (*RoundRobinPartitioner)(nil)
)
