package configurations

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPeerDelay = 3 * time.Second
	basePort         = 8000

	envClusterConfig = "KV_CLUSTER_CONFIG"
	envPeerDelay     = "KV_PEER_DELAY"
	envDatabaseDir   = "KV_DATABASE_DIR"
)

type NodeConfig struct {
	Id      NodeID `json:"id"`
	Address string `json:"address"`
}

// Cluster is the static membership shared by every node and the coordinator.
type Cluster struct {
	Nodes       []NodeConfig
	PeerDelay   time.Duration
	DatabaseDir string
}

type clusterFile struct {
	Nodes       []NodeConfig `json:"nodes"`
	PeerDelay   string       `json:"peerDelay"`
	DatabaseDir string       `json:"databaseDir"`
}

func GetNodePort(nodeId NodeID) int {
	return basePort + int(nodeId)
}

// DefaultCluster is the reference three node deployment on localhost:8001-8003.
func DefaultCluster() *Cluster {
	c := &Cluster{PeerDelay: DefaultPeerDelay}
	for id := NodeID(1); id <= 3; id++ {
		c.Nodes = append(c.Nodes, NodeConfig{Id: id, Address: fmt.Sprintf("localhost:%d", GetNodePort(id))})
	}
	return c
}

func clusterConfigPath() string {
	if _, err := os.Stat("Configurations"); err == nil {
		return filepath.Join("Configurations", "cluster_config.json")
	}
	return filepath.Join("..", "Configurations", "cluster_config.json")
}

// LoadCluster reads the cluster file at path, falling back to the default
// cluster when path is empty and no cluster_config.json can be found. A .env
// file in the working directory, when present, overrides the path, the peer
// delay and the database directory.
func LoadCluster(path string) (*Cluster, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if env := os.Getenv(envClusterConfig); env != "" && path == "" {
		path = env
	}
	explicit := path != ""
	if !explicit {
		path = clusterConfigPath()
	}

	cluster := DefaultCluster()
	bytes, err := os.ReadFile(path)
	switch {
	case err == nil:
		cluster, err = parseCluster(bytes)
		if err != nil {
			return nil, fmt.Errorf("parse cluster config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read cluster config %s: %w", path, err)
	}

	if env := os.Getenv(envPeerDelay); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envPeerDelay, err)
		}
		cluster.PeerDelay = d
	}
	if env := os.Getenv(envDatabaseDir); env != "" {
		cluster.DatabaseDir = env
	}
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	return cluster, nil
}

func parseCluster(bytes []byte) (*Cluster, error) {
	var raw clusterFile
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return nil, err
	}
	cluster := &Cluster{
		Nodes:       raw.Nodes,
		PeerDelay:   DefaultPeerDelay,
		DatabaseDir: raw.DatabaseDir,
	}
	if raw.PeerDelay != "" {
		d, err := time.ParseDuration(raw.PeerDelay)
		if err != nil {
			return nil, fmt.Errorf("peerDelay: %w", err)
		}
		cluster.PeerDelay = d
	}
	sort.Slice(cluster.Nodes, func(i, j int) bool { return cluster.Nodes[i].Id < cluster.Nodes[j].Id })
	return cluster, nil
}

func (c *Cluster) Validate() error {
	if len(c.Nodes) < 2 {
		return fmt.Errorf("invalid cluster configuration: need at least 2 nodes, got %d", len(c.Nodes))
	}
	seen := make(map[NodeID]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.Id] {
			return fmt.Errorf("invalid cluster configuration: duplicate node id %d", n.Id)
		}
		seen[n.Id] = true
		if strings.TrimSpace(n.Address) == "" {
			return fmt.Errorf("invalid cluster configuration: node %d has no address", n.Id)
		}
	}
	if c.PeerDelay < 0 {
		return fmt.Errorf("invalid cluster configuration: negative peer delay %v", c.PeerDelay)
	}
	return nil
}

func (c *Cluster) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		ids = append(ids, n.Id)
	}
	return ids
}

// Peers returns every node id except self.
func (c *Cluster) Peers(self NodeID) []NodeID {
	peers := make([]NodeID, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Id != self {
			peers = append(peers, n.Id)
		}
	}
	return peers
}

func (c *Cluster) Address(id NodeID) (string, bool) {
	for _, n := range c.Nodes {
		if n.Id == id {
			return n.Address, true
		}
	}
	return "", false
}

// DatabasePath returns the sqlite DSN for a node: an in-memory database
// unless a database directory is configured.
func (c *Cluster) DatabasePath(id NodeID) string {
	if c.DatabaseDir == "" {
		return ":memory:"
	}
	return filepath.Join(c.DatabaseDir, fmt.Sprintf("node_n%d.db", id))
}
