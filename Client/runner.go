package main

import (
	"fmt"
	"io"
	"log"
	"time"

	configurations "lamport-kv/Configurations"
)

// nodeClient is the command surface of one node as the coordinator sees it.
type nodeClient interface {
	Insert(key, value string) (configurations.InsertReply, error)
	Lookup(key string) (configurations.LookupReply, error)
	Dictionary() ([]configurations.Pair, error)
}

// scriptRunner executes commands one at a time and appends one result line
// per node command to out.
type scriptRunner struct {
	nodes map[configurations.NodeID]nodeClient
	out   io.Writer
	sleep func(time.Duration)
	perf  *performanceTracker
}

func newScriptRunner(nodes map[configurations.NodeID]nodeClient, out io.Writer) *scriptRunner {
	return &scriptRunner{
		nodes: nodes,
		out:   out,
		sleep: time.Sleep,
		perf:  newPerformanceTracker(),
	}
}

// run stops at the first transport error; usage errors are logged and skipped.
func (r *scriptRunner) run(cmds []Command) error {
	for _, cmd := range cmds {
		if cmd.Kind == CmdWait {
			log.Printf("[Coordinator] wait %v", cmd.Wait)
			r.sleep(cmd.Wait)
			continue
		}
		client, ok := r.nodes[cmd.Node]
		if !ok {
			log.Printf("[Coordinator] Skipping %q: no node %d", cmd.Line, cmd.Node)
			continue
		}
		entry, err := r.execute(client, cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Line, err)
		}
		log.Printf("[Coordinator] Logging: %s", entry)
		if _, err := fmt.Fprintln(r.out, entry); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func (r *scriptRunner) execute(client nodeClient, cmd Command) (string, error) {
	switch cmd.Kind {
	case CmdInsert:
		start := time.Now()
		reply, err := client.Insert(cmd.Key, cmd.Value)
		if err != nil {
			return "", err
		}
		r.perf.record(start, time.Now())
		if !reply.Success {
			log.Printf("[Coordinator] insert on node %d refused: %s", cmd.Node, reply.Msg)
			return fmt.Sprintf("FAILURE <insert %s %s %d>", cmd.Key, cmd.Value, cmd.Node), nil
		}
		return fmt.Sprintf("SUCCESS <insert %s %s %d>", cmd.Key, cmd.Value, cmd.Node), nil
	case CmdLookup:
		reply, err := client.Lookup(cmd.Key)
		if err != nil {
			return "", err
		}
		if !reply.Found {
			return "LOOKUP <NOT FOUND>", nil
		}
		return fmt.Sprintf("LOOKUP <%s, %s>", reply.Key, reply.Value), nil
	case CmdDictionary:
		pairs, err := client.Dictionary()
		if err != nil {
			return "", err
		}
		return configurations.FormatDictionary(pairs), nil
	}
	return "", fmt.Errorf("unexpected command kind %q", cmd.Kind)
}
