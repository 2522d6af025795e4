package types

import "time"

// TopologyNode is a compute host eligible to run tasks
type TopologyNode struct {
	ID         int64     `json:"id" yaml:"-"`
	Hostname   string    `json:"hostname" yaml:"hostname"`
	Processors int       `json:"processors" yaml:"processors"`
	MemorySize int64     `json:"memory_size" yaml:"memory_size"`
	DiskSize   int64     `json:"disk_size" yaml:"disk_size"`
	Active     bool      `json:"active" yaml:"active"`
	Affinity   string    `json:"affinity,omitempty" yaml:"affinity,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}

// Slots is the number of tasks the node runs at once
func (n *TopologyNode) Slots() int {
	if n.Processors < 1 {
		return 1
	}
	return n.Processors
}
