package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	configurations "lamport-kv/Configurations"
)

type CommandKind string

const (
	CmdInsert     CommandKind = "insert"
	CmdLookup     CommandKind = "lookup"
	CmdDictionary CommandKind = "dictionary"
	CmdWait       CommandKind = "wait"
)

const defaultWait = time.Second

// Command is one parsed script line.
type Command struct {
	Kind  CommandKind
	Key   string
	Value string
	Node  configurations.NodeID
	Wait  time.Duration
	Line  string
}

// parseCommand parses a script line. Blank lines and # comments yield
// ok=false with no error.
func parseCommand(raw string) (cmd Command, ok bool, err error) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, false, nil
	}
	parts := strings.Fields(line)
	cmd = Command{Kind: CommandKind(parts[0]), Line: line}

	switch cmd.Kind {
	case CmdWait:
		cmd.Wait = defaultWait
		if len(parts) > 1 {
			if secs, err := strconv.Atoi(parts[1]); err == nil {
				cmd.Wait = time.Duration(secs) * time.Second
			}
		}
		return cmd, true, nil
	case CmdInsert:
		if len(parts) != 4 {
			return Command{}, false, fmt.Errorf("insert wants <key> <value> <node>, got %q", line)
		}
		cmd.Key, cmd.Value = parts[1], parts[2]
		cmd.Node, err = parseNodeID(parts[3])
	case CmdLookup:
		if len(parts) != 3 {
			return Command{}, false, fmt.Errorf("lookup wants <key> <node>, got %q", line)
		}
		cmd.Key = parts[1]
		cmd.Node, err = parseNodeID(parts[2])
	case CmdDictionary:
		if len(parts) != 2 {
			return Command{}, false, fmt.Errorf("dictionary wants <node>, got %q", line)
		}
		cmd.Node, err = parseNodeID(parts[1])
	default:
		return Command{}, false, fmt.Errorf("unknown command: %s", line)
	}
	if err != nil {
		return Command{}, false, err
	}
	return cmd, true, nil
}

func parseNodeID(token string) (configurations.NodeID, error) {
	id, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", token, err)
	}
	return configurations.NodeID(id), nil
}

// loadScript parses every line of r, logging and skipping the invalid ones.
func loadScript(r io.Reader) ([]Command, error) {
	var cmds []Command
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		cmd, ok, err := parseCommand(scanner.Text())
		if err != nil {
			log.Printf("[Coordinator] Skipping line %d: %v", lineNo, err)
			continue
		}
		if ok {
			cmds = append(cmds, cmd)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cmds, nil
}
