package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThresholds_Classify(t *testing.T) {
	th := Thresholds{CPU: 0.8, Memory: 0.9, ActiveTasks: 4}

	tests := []struct {
		name string
		load Load
		want NodeStatus
	}{
		{"idle", Load{}, NodeHealthy},
		{"cpu", Load{CPU: 0.8}, NodeDegraded},
		{"memory", Load{Memory: 0.95}, NodeDegraded},
		{"tasks", Load{ActiveTasks: 4}, NodeDegraded},
		{"below", Load{CPU: 0.79, Memory: 0.5, ActiveTasks: 3}, NodeHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(tt.load))
		})
	}

	assert.Equal(t, NodeHealthy, Thresholds{}.Classify(Load{CPU: 1, Memory: 1, ActiveTasks: 100}))
}

func TestLease_Expired(t *testing.T) {
	now := time.Now()
	l := Lease{NodeID: "n1", ExpiresAt: now}
	assert.True(t, l.Expired(now))
	assert.False(t, l.Expired(now.Add(-time.Millisecond)))
}

func TestPartitions(t *testing.T) {
	assert.Equal(t, []string{"any"}, Partitions(nil))
	assert.Equal(t, []string{"any", "gpu", "arm"}, Partitions([]string{"gpu", "", "arm", "gpu", "any"}))
}

func TestNode_Serves(t *testing.T) {
	n := Node{ID: "n1", Tags: []string{"gpu"}}
	assert.True(t, n.Serves("any"))
	assert.True(t, n.Serves("gpu"))
	assert.False(t, n.Serves("arm"))
}
