package transport

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	configurations "lamport-kv/Configurations"
	nodelogger "lamport-kv/Node/logger"
)

const maxDialWait = time.Second

// RPCTransport sends messages to peers over net/rpc, one connection and one
// in-flight call per peer. Each call returns only after the peer applied the
// message, which keeps every link in send order.
type RPCTransport struct {
	self    configurations.NodeID
	cluster *configurations.Cluster
	logger  *nodelogger.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	peers map[configurations.NodeID]*rpcPeer
}

type rpcPeer struct {
	id     configurations.NodeID
	addr   string
	out    *outbox
	ready  chan struct{}
	client *rpc.Client
}

func NewRPCTransport(self configurations.NodeID, cluster *configurations.Cluster, logger *nodelogger.Logger) *RPCTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &RPCTransport{
		self:    self,
		cluster: cluster,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[configurations.NodeID]*rpcPeer),
	}
	for _, id := range cluster.Peers(self) {
		addr, _ := cluster.Address(id)
		p := &rpcPeer{id: id, addr: addr, out: newOutbox(), ready: make(chan struct{})}
		t.peers[id] = p
		go t.runPeer(p)
	}
	return t
}

func (t *RPCTransport) runPeer(p *rpcPeer) {
	err := Retry(t.ctx, maxDialWait, func() error {
		client, err := rpc.DialHTTP("tcp", p.addr)
		if err != nil {
			return err
		}
		p.client = client
		return nil
	}, func(err error, wait time.Duration) {
		t.logger.Log("[Node %d] CONNECT: peer %d at %s not ready, retrying in %v: %v\n", t.self, p.id, p.addr, wait, err)
	})
	if err != nil {
		return
	}
	t.logger.Log("[Node %d] CONNECT: connected to peer %d at %s\n", t.self, p.id, p.addr)
	close(p.ready)

	p.out.run(func(msg configurations.Message) error {
		var ack bool
		if err := p.client.Call(DeliverMethod, msg, &ack); err != nil {
			return fmt.Errorf("%s to node %d failed: %w", msg.Type, p.id, err)
		}
		return nil
	}, func(err error) {
		t.logger.Log("[Node %d] LINK: peer %d link stopped: %v\n", t.self, p.id, err)
	})
	p.client.Close()
}

// WaitConnected blocks until every peer connection is up or ctx ends.
func (t *RPCTransport) WaitConnected(ctx context.Context) error {
	for _, p := range t.peers {
		select {
		case <-p.ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

func (t *RPCTransport) Send(to configurations.NodeID, msg configurations.Message) error {
	t.mu.Lock()
	p, ok := t.peers[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %d: %w", to, ErrUnknownPeer)
	}
	if err := p.out.push(msg); err != nil {
		if !errors.Is(err, ErrClosed) {
			return fmt.Errorf("node %d: %w: %v", to, ErrLinkDown, err)
		}
		return err
	}
	return nil
}

func (t *RPCTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.out.close()
	}
	return nil
}
