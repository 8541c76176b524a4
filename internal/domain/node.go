package domain

import (
	"slices"
	"time"
)

type NodeStatus string

const (
	NodeHealthy     NodeStatus = "healthy"
	NodeDegraded    NodeStatus = "degraded"
	NodeUnreachable NodeStatus = "unreachable"
)

type Load struct {
	CPU         float64 `json:"cpu"`
	Memory      float64 `json:"memory"`
	ActiveTasks int     `json:"active_tasks"`
}

type Node struct {
	ID            string     `json:"id"`
	Tags          []string   `json:"tags"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Load          Load       `json:"load"`
}

// Serves reports whether the node may claim tasks with the given affinity.
func (n Node) Serves(affinity string) bool {
	return affinity == AffinityAny || slices.Contains(n.Tags, affinity)
}

// Lease is the liveness record of a node: it is held until ExpiresAt.
type Lease struct {
	NodeID    string
	ExpiresAt time.Time
}

func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Thresholds decide when a live node reports as degraded.
type Thresholds struct {
	CPU         float64
	Memory      float64
	ActiveTasks int
}

func (th Thresholds) Classify(l Load) NodeStatus {
	if th.CPU > 0 && l.CPU >= th.CPU {
		return NodeDegraded
	}
	if th.Memory > 0 && l.Memory >= th.Memory {
		return NodeDegraded
	}
	if th.ActiveTasks > 0 && l.ActiveTasks >= th.ActiveTasks {
		return NodeDegraded
	}
	return NodeHealthy
}

// Partitions returns the queue partitions a node with tags polls, "any" included.
func Partitions(tags []string) []string {
	out := []string{AffinityAny}
	for _, t := range tags {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
