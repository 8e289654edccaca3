package coordination

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"

	configurations "lamport-kv/Configurations"
)

// rpcService exposes a NodeService under the RPC name "Node": the
// coordinator commands plus Deliver for peers.
type rpcService struct {
	node *NodeService
}

func (s *rpcService) Insert(args configurations.InsertArgs, reply *configurations.InsertReply) error {
	err := s.node.Insert(args.Key, args.Value)
	switch {
	case err == nil:
		reply.Success = true
		reply.Msg = "SUCCESS"
	case errors.Is(err, ErrAlreadyBusy):
		reply.Msg = "AlreadyBusy"
	default:
		reply.Msg = err.Error()
	}
	return nil
}

func (s *rpcService) Lookup(args configurations.LookupArgs, reply *configurations.LookupReply) error {
	value, ok, err := s.node.Lookup(args.Key)
	if err != nil {
		return err
	}
	reply.Key = args.Key
	reply.Value = value
	reply.Found = ok
	return nil
}

func (s *rpcService) Dictionary(_ bool, reply *configurations.DictionaryReply) error {
	pairs, err := s.node.Dictionary()
	if err != nil {
		return err
	}
	reply.Pairs = pairs
	return nil
}

func (s *rpcService) Deliver(msg configurations.Message, ack *bool) error {
	if err := s.node.Deliver(msg); err != nil {
		return err
	}
	*ack = true
	return nil
}

// StartRPCServer listens on addr and serves the RPC handlers until the
// returned listener is closed.
func (n *NodeService) StartRPCServer(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener error for node %d: %w", n.self, err)
	}
	if err := n.ServeRPC(listener); err != nil {
		listener.Close()
		return nil, err
	}
	return listener, nil
}

// ServeRPC registers the RPC handlers and serves them on listener in the
// background.
func (n *NodeService) ServeRPC(listener net.Listener) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Node", &rpcService{node: n}); err != nil {
		return fmt.Errorf("error registering RPCs: %w", err)
	}
	h := http.NewServeMux()
	h.Handle("/", srv)
	n.logger.Log("[Node %d] serving RPC on %s\n", n.self, listener.Addr())
	go http.Serve(listener, h)
	return nil
}
