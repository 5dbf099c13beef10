package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/andydunstall/kadstore"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type Node struct {
	ID   string
	Peer *kadstore.Peer
}

func (n *Node) KnownPeers() int {
	// Add one to include itself.
	return len(n.Peer.Peers()) + 1
}

func (n *Node) Discovered(addr kadstore.Address) bool {
	if addr.ID == n.Peer.ID() {
		return true
	}

	for _, p := range n.Peer.Peers() {
		if p.ID == addr.ID {
			return true
		}
	}
	return false
}

// Cluster manages a local cluster of peers listening on loopback UDP, used
// for testing and evaluation.
type Cluster struct {
	nodes   map[string]*Node
	options []kadstore.Option

	// mu protects nodes.
	mu sync.Mutex

	logger *zap.Logger
}

func NewCluster(logger *zap.Logger, options ...kadstore.Option) *Cluster {
	return &Cluster{
		nodes:   make(map[string]*Node),
		options: options,
		logger:  logger,
	}
}

// AddNode starts a peer and bootstraps it from up to 3 random existing
// peers.
func (c *Cluster) AddNode(ctx context.Context, options ...kadstore.Option) (*Node, error) {
	id := uuid.New().String()[:7]
	logger := c.logger.With(zap.String("node-id", id))

	opts := []kadstore.Option{kadstore.WithLogger(logger)}
	opts = append(opts, c.options...)
	opts = append(opts, options...)
	// Use a port of 0 to let the system assign a free port.
	p, err := kadstore.Create(id, "127.0.0.1:0", opts...)
	if err != nil {
		return nil, err
	}

	seeds := c.seeds(3)
	if len(seeds) > 0 {
		if err := p.Bootstrap(ctx, seeds); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	node := &Node{
		ID:   id,
		Peer: p,
	}
	c.mu.Lock()
	c.nodes[node.ID] = node
	c.mu.Unlock()
	return node, nil
}

func (c *Cluster) AddNodes(ctx context.Context, n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if _, err := c.AddNode(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Nodes returns the nodes in the cluster in no particular order.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := make([]*Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// WaitForHealthy waits for every node to have every other node in its
// routing table. Nodes only learn about peers by exchanging messages, so
// each round every node looks up its own ID.
func (c *Cluster) WaitForHealthy(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		nodes := c.Nodes()
		healthyNodes := 0
		for _, node := range nodes {
			if node.KnownPeers() == len(nodes) {
				healthyNodes++
				continue
			}
			node.Peer.CloseNeighborsAll(ctx, kadstore.SearchValues{
				Location: node.Peer.ID(),
			}, kadstore.DigestNone)
		}
		if healthyNodes == len(nodes) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitToDiscover waits for every node to have the given peer in its routing
// table.
func (c *Cluster) WaitToDiscover(ctx context.Context, addr kadstore.Address) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			nodes := c.Nodes()
			healthyNodes := 0
			for _, node := range nodes {
				if node.Discovered(addr) {
					healthyNodes++
				}
			}
			if healthyNodes == len(nodes) {
				return nil
			}
		}
	}
}

func (c *Cluster) Shutdown() error {
	var errs error
	for _, node := range c.Nodes() {
		if err := node.Peer.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (c *Cluster) seeds(n int) []string {
	seeds := []string{}
	for _, node := range c.Nodes() {
		seeds = append(seeds, node.Peer.BindAddr())
	}
	rand.Shuffle(len(seeds), func(i, j int) {
		seeds[i], seeds[j] = seeds[j], seeds[i]
	})

	if len(seeds) < n {
		return seeds
	}
	return seeds[:n]
}
