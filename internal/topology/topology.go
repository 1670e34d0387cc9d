// Package topology describes where the ranks of a run live: the world they
// form and the physical nodes hosting them.
//
// A process has exactly one topology. It is built collectively at startup with
// Init, shared read-only for the rest of the run and torn down with Finalize.
package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mustard-hep/mustard/internal/comm"
)

var (
	// ErrTopologyUnavailable is returned when the topology is queried before
	// Init or after Finalize.
	ErrTopologyUnavailable = errors.New("cluster topology unavailable")

	// ErrTopologyExists is returned by a second Init in the same process.
	ErrTopologyExists = errors.New("cluster topology already initialized")

	// ErrTopologyFinalized is returned by Init once Finalize has run. It
	// matches ErrTopologyUnavailable.
	ErrTopologyFinalized = fmt.Errorf("%w: finalized", ErrTopologyUnavailable)
)

// Node is one host of the cluster and the number of ranks it runs.
type Node struct {
	Name string
	Size int
}

// Topology is an immutable view of the world and its node layout as seen by
// the calling process.
type Topology struct {
	worldRank   int
	worldSize   int
	nodes       []Node
	localNodeID int
	nodeRank    int
	nodeSize    int

	expired atomic.Bool
}

// New discovers the topology of the world c belongs to. Every rank must call
// it: the hostnames of all ranks are exchanged in one collective. Nodes are
// numbered in the order their first rank appears.
func New(ctx context.Context, c comm.Communicator, hostname string) (*Topology, error) {
	hosts, err := comm.AllGatherValue(ctx, c, hostname)
	if err != nil {
		return nil, fmt.Errorf("exchanging hostnames: %w", err)
	}
	return fromHosts(c.Rank(), hosts), nil
}

// fromHosts derives the node layout from the hostname of every world rank.
func fromHosts(rank int, hosts []string) *Topology {
	t := &Topology{
		worldRank: rank,
		worldSize: len(hosts),
	}

	index := make(map[string]int)
	for r, h := range hosts {
		id, seen := index[h]
		if !seen {
			id = len(t.nodes)
			index[h] = id
			t.nodes = append(t.nodes, Node{Name: h})
		}
		t.nodes[id].Size++

		if r < rank && h == hosts[rank] {
			t.nodeRank++
		}
	}

	t.localNodeID = index[hosts[rank]]
	t.nodeSize = t.nodes[t.localNodeID].Size
	return t
}

// Err returns ErrTopologyUnavailable once the topology has been finalized.
func (t *Topology) Err() error {
	if t == nil || t.expired.Load() {
		return ErrTopologyUnavailable
	}
	return nil
}

// The queries below answer from the snapshot taken by New and do not look at
// the lifecycle: a handle kept past Finalize still returns its old values.
// Check Err before relying on them.

// WorldRank returns the rank of the calling process.
func (t *Topology) WorldRank() int { return t.worldRank }

// WorldSize returns the number of ranks in the world.
func (t *Topology) WorldSize() int { return t.worldSize }

// OnWorldMaster reports whether the calling process is rank 0.
func (t *Topology) OnWorldMaster() bool { return t.worldRank == 0 }

// Sequential reports whether the world is the calling process alone.
func (t *Topology) Sequential() bool { return t.worldSize == 1 }

// Parallel reports whether the world has more than one rank.
func (t *Topology) Parallel() bool { return t.worldSize > 1 }

// NodeList returns the nodes of the cluster in discovery order.
func (t *Topology) NodeList() []Node {
	out := make([]Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// LocalNodeID returns the index in NodeList of the node hosting the calling process.
func (t *Topology) LocalNodeID() int { return t.localNodeID }

// LocalNode returns the node hosting the calling process.
func (t *Topology) LocalNode() Node { return t.nodes[t.localNodeID] }

// NodeRank returns the rank of the calling process among the ranks of its node.
func (t *Topology) NodeRank() int { return t.nodeRank }

// NodeSize returns the number of ranks on the node of the calling process.
func (t *Topology) NodeSize() int { return t.nodeSize }

// ClusterSize returns the number of distinct nodes.
func (t *Topology) ClusterSize() int { return len(t.nodes) }

// OnSingleNode reports whether every rank runs on the same node.
func (t *Topology) OnSingleNode() bool { return len(t.nodes) == 1 }

// OnCluster reports whether the ranks span more than one node.
func (t *Topology) OnCluster() bool { return len(t.nodes) > 1 }

func (t *Topology) String() string {
	return fmt.Sprintf("rank %d/%d on %s (%d/%d, node %d of %d)",
		t.worldRank, t.worldSize, t.LocalNode().Name, t.nodeRank, t.nodeSize, t.localNodeID, len(t.nodes))
}

var (
	mu       sync.RWMutex
	instance *Topology
	finished bool
)

// Init builds the process-wide topology. Like New it is collective and must be
// called by every rank. hostname defaults to os.Hostname when empty.
func Init(ctx context.Context, c comm.Communicator, hostname string) (*Topology, error) {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return nil, ErrTopologyExists
	}
	if finished {
		return nil, ErrTopologyFinalized
	}

	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving hostname: %w", err)
		}
		hostname = h
	}

	t, err := New(ctx, c, hostname)
	if err != nil {
		return nil, err
	}
	instance = t
	return t, nil
}

// Current returns the process-wide topology.
func Current() (*Topology, error) {
	mu.RLock()
	defer mu.RUnlock()

	if instance == nil {
		return nil, ErrTopologyUnavailable
	}
	return instance, nil
}

// Available reports whether Init has run and Finalize has not.
func Available() bool {
	mu.RLock()
	defer mu.RUnlock()
	return instance != nil
}

// Expired reports whether the topology has been finalized.
func Expired() bool {
	mu.RLock()
	defer mu.RUnlock()
	return finished
}

// Finalize tears the process-wide topology down. Handles obtained earlier
// report ErrTopologyUnavailable from Err afterwards.
func Finalize() error {
	mu.Lock()
	defer mu.Unlock()

	if instance == nil {
		return ErrTopologyUnavailable
	}
	instance.expired.Store(true)
	instance = nil
	finished = true
	return nil
}

// Reset finalizes any live topology and forgets that Finalize ever ran, so
// that Init can build a new one. Tests use it to isolate the process-wide
// state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		instance.expired.Store(true)
	}
	instance = nil
	finished = false
}
