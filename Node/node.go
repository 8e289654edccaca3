package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	configurations "lamport-kv/Configurations"
	coordination "lamport-kv/Node/Coordination"
	storage "lamport-kv/Node/Storage"
	transport "lamport-kv/Node/Transport"
	nodelogger "lamport-kv/Node/logger"
)

type node struct {
	id        configurations.NodeID
	svc       *coordination.NodeService
	transport *transport.RPCTransport
	store     *storage.Store
	listener  net.Listener
	logger    *nodelogger.Logger
}

func StartNode(id configurations.NodeID, cluster *configurations.Cluster) (*node, error) {
	addr, ok := cluster.Address(id)
	if !ok {
		return nil, fmt.Errorf("node %d is not in the cluster configuration", id)
	}
	store, err := storage.Open(cluster.DatabasePath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open database for n%d: %w", id, err)
	}
	logger := nodelogger.GetLogger(id)
	tr := transport.NewRPCTransport(id, cluster, logger)
	svc := coordination.NewNodeService(coordination.Options{
		Self:      id,
		Peers:     cluster.NodeIDs(),
		Transport: tr,
		Store:     store,
		Logger:    logger,
		PeerDelay: cluster.PeerDelay,
	})
	listener, err := svc.StartRPCServer(addr)
	if err != nil {
		tr.Close()
		store.Close()
		return nil, err
	}
	return &node{id: id, svc: svc, transport: tr, store: store, listener: listener, logger: logger}, nil
}

func main() {
	nodeID := flag.Int("id", 0, "Node ID to start")
	configPath := flag.String("config", "", "Path to cluster_config.json")
	delay := flag.Duration("delay", 0, "Delay applied to every inbound peer message (overrides the cluster config)")
	flag.Parse()

	cluster, err := configurations.LoadCluster(*configPath)
	if err != nil {
		log.Fatalf("Failed to load cluster configuration: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "delay" {
			cluster.PeerDelay = *delay
		}
	})
	if err := cluster.Validate(); err != nil {
		log.Fatal(err)
	}

	id := configurations.NodeID(*nodeID)
	n, err := StartNode(id, cluster)
	if err != nil {
		log.Fatalf("Failed to start n%d: %v", id, err)
	}
	addr, _ := cluster.Address(id)
	fmt.Printf("Node n%d starting on %s, peers %v, peer delay %v\n", id, addr, cluster.Peers(id), cluster.PeerDelay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := n.transport.WaitConnected(ctx); err == nil {
			fmt.Printf("Node n%d connected to all peers\n", id)
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	if err := runConsole(reader, n); err != nil {
		handleInputClosure(err)
		<-ctx.Done()
	}
	CloseNode(n)
}

// runConsole serves the interactive menu until Exit is chosen (nil) or
// stdin fails (the read error).
func runConsole(reader *bufio.Reader, n *node) error {
	for {
		fmt.Println("1: Print Log")
		fmt.Println("2: Print Dictionary")
		fmt.Println("3: Print Status")
		fmt.Println("4: Lookup Key")
		fmt.Println("5: Clear Terminal")
		fmt.Println("6: Exit")
		choice, err := readIntInput(reader, "\nSelect an option: ")
		if err != nil {
			return err
		}

		switch choice {
		case 1:
			if err := n.logger.PrintLogContent(os.Stdout); err != nil {
				fmt.Printf("Failed to print log: %v\n", err)
			}
		case 2:
			pairs, err := n.svc.Dictionary()
			if err != nil {
				fmt.Printf("Failed to read dictionary: %v\n", err)
				continue
			}
			fmt.Println(configurations.FormatDictionary(pairs))
		case 3:
			printStatus(n.svc.Status())
		case 4:
			key, err := readLineInput(reader, "Enter key: ")
			if err != nil {
				return err
			}
			value, ok, err := n.svc.Lookup(key)
			switch {
			case err != nil:
				fmt.Printf("Lookup failed: %v\n", err)
			case !ok:
				fmt.Println("LOOKUP <NOT FOUND>")
			default:
				fmt.Printf("LOOKUP <%s, %s>\n", key, value)
			}
		case 5:
			fmt.Print("\033[H\033[2J")
		case 6:
			return nil
		default:
			fmt.Println("Invalid choice")
		}
	}
}

func printStatus(st coordination.Status) {
	fmt.Printf("Node n%d state %s clock %d\n", st.Node, st.State, st.Clock)
	if st.Pending != nil {
		fmt.Printf("Pending write %s=%s attempt %s, replies %d, successes %d\n", st.Pending.Key, st.Pending.Value, st.Attempt, st.Replies, st.Successes)
	}
	if len(st.Queue) == 0 {
		fmt.Println("Request queue: empty")
		return
	}
	fmt.Println("Request queue:")
	for i, e := range st.Queue {
		fmt.Printf("  %d. %s\n", i+1, e)
	}
}

func CloseNode(n *node) {
	n.svc.Close()
	n.transport.Close()
	n.listener.Close()
	n.store.Close()
	n.logger.Log("[Node %d] shut down at %s\n", n.id, time.Now().Format(time.RFC3339))
	n.logger.Close()
}

func readIntInput(reader *bufio.Reader, prompt string) (int, error) {
	for {
		line, err := readLineInput(reader, prompt)
		if err != nil {
			return 0, err
		}
		value, err := strconv.Atoi(line)
		if err != nil {
			fmt.Printf("Invalid number: %s\n", line)
			continue
		}
		return value, nil
	}
}

func readLineInput(reader *bufio.Reader, prompt string) (string, error) {
	for {
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return line, nil
	}
}

func handleInputClosure(err error) {
	if errors.Is(err, io.EOF) {
		fmt.Println("\nInput closed. Node keeps serving until interrupted.")
	} else {
		fmt.Printf("\nStopping console due to input error: %v\n", err)
	}
}
