package main

import (
	"context"
	"fmt"
	"log"
	"net/rpc"
	"time"

	configurations "lamport-kv/Configurations"
	transport "lamport-kv/Node/Transport"
)

type rpcNodeClient struct {
	id     configurations.NodeID
	client *rpc.Client
}

func (c *rpcNodeClient) call(method string, req interface{}, resp interface{}) error {
	if err := c.client.Call(method, req, resp); err != nil {
		return fmt.Errorf("%s RPC to node %d failed: %w", method, c.id, err)
	}
	return nil
}

func (c *rpcNodeClient) Insert(key, value string) (configurations.InsertReply, error) {
	var reply configurations.InsertReply
	err := c.call("Node.Insert", configurations.InsertArgs{Key: key, Value: value}, &reply)
	return reply, err
}

func (c *rpcNodeClient) Lookup(key string) (configurations.LookupReply, error) {
	var reply configurations.LookupReply
	err := c.call("Node.Lookup", configurations.LookupArgs{Key: key}, &reply)
	return reply, err
}

func (c *rpcNodeClient) Dictionary() ([]configurations.Pair, error) {
	var reply configurations.DictionaryReply
	if err := c.call("Node.Dictionary", true, &reply); err != nil {
		return nil, err
	}
	return reply.Pairs, nil
}

// dialNodes connects to every node in the cluster, retrying each until its
// listener is up or ctx ends. The returned func closes every connection.
func dialNodes(ctx context.Context, cluster *configurations.Cluster) (map[configurations.NodeID]nodeClient, func(), error) {
	clients := make(map[configurations.NodeID]*rpc.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	nodes := make(map[configurations.NodeID]nodeClient)
	for _, n := range cluster.Nodes {
		n := n
		err := transport.Retry(ctx, 2*time.Second, func() error {
			client, err := rpc.DialHTTP("tcp", n.Address)
			if err != nil {
				return err
			}
			clients[n.Id] = client
			return nil
		}, func(err error, wait time.Duration) {
			log.Printf("[Coordinator] Node %d at %s not ready, retrying in %v: %v", n.Id, n.Address, wait, err)
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to connect to node %d: %w", n.Id, err)
		}
		log.Printf("[Coordinator] Connected to node %d on %s", n.Id, n.Address)
		nodes[n.Id] = &rpcNodeClient{id: n.Id, client: clients[n.Id]}
	}
	return nodes, closeAll, nil
}
