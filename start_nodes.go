package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"

	configurations "lamport-kv/Configurations"
)

func main() {
	defaultNode := filepath.Join("Node", "Node")
	if runtime.GOOS == "windows" {
		defaultNode += ".exe"
	}

	configPath := flag.String("config", "", "Path to cluster_config.json")
	nodePath := flag.String("node", defaultNode, "Path to Node executable")
	useTerminal := flag.Bool("wt", false, "Open each node in a Windows Terminal tab instead of running them here")
	terminalPath := flag.String("terminal", "wt.exe", "Windows Terminal executable (wt.exe)")
	flag.Parse()

	cluster, err := configurations.LoadCluster(*configPath)
	if err != nil {
		exitWithError(err)
	}

	nodeExeAbs, err := filepath.Abs(*nodePath)
	if err != nil {
		exitWithError(fmt.Errorf("resolve node executable: %w", err))
	}
	if _, err := os.Stat(nodeExeAbs); err != nil {
		exitWithError(fmt.Errorf("node executable not found at %s: %w", nodeExeAbs, err))
	}
	configAbs := ""
	if *configPath != "" {
		if configAbs, err = filepath.Abs(*configPath); err != nil {
			exitWithError(fmt.Errorf("resolve cluster config: %w", err))
		}
	}

	if *useTerminal {
		if runtime.GOOS != "windows" {
			exitWithError(errors.New("-wt requires Windows (wt.exe tabs)"))
		}
		wtPath, err := resolveExecutable(*terminalPath)
		if err != nil {
			exitWithError(fmt.Errorf("resolve Windows Terminal executable: %w", err))
		}
		args := buildWindowsTerminalArgs(filepath.Dir(nodeExeAbs), nodeExeAbs, configAbs, cluster.NodeIDs())
		cmd := exec.Command(wtPath, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			exitWithError(fmt.Errorf("launch Windows Terminal: %w", err))
		}
		fmt.Printf("Launched %d node terminal(s) in Windows Terminal.\n", len(cluster.Nodes))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runNodes(ctx, nodeExeAbs, configAbs, cluster.NodeIDs()); err != nil {
		exitWithError(err)
	}
}

// runNodes starts one node process per id with prefixed output and stops
// them all when ctx ends or any of them exits.
func runNodes(ctx context.Context, nodeExe, configPath string, ids []configurations.NodeID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		cmd := exec.CommandContext(ctx, nodeExe, nodeArgs(id, configPath)...)
		cmd.Dir = filepath.Dir(nodeExe)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start node %d: %w", id, err)
		}
		fmt.Printf("Started node n%d (pid %d)\n", id, cmd.Process.Pid)

		wg.Add(1)
		go func(id configurations.NodeID, cmd *exec.Cmd, out io.Reader) {
			defer wg.Done()
			prefixLines(os.Stdout, fmt.Sprintf("[n%d] ", id), out)
			err := cmd.Wait()
			if ctx.Err() == nil {
				errCh <- fmt.Errorf("node %d exited: %v", id, err)
			}
			cancel()
		}(id, cmd, stdout)
	}

	<-ctx.Done()
	wg.Wait()
	close(errCh)
	return <-errCh
}

func nodeArgs(id configurations.NodeID, configPath string) []string {
	args := []string{"-id", id.String()}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return args
}

func prefixLines(w io.Writer, prefix string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fmt.Fprintf(w, "%s%s\n", prefix, scanner.Text())
	}
}

func resolveExecutable(path string) (string, error) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	if full, err := exec.LookPath(path); err == nil {
		return full, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

func buildWindowsTerminalArgs(nodeDir, nodeExeAbs, configPath string, ids []configurations.NodeID) []string {
	args := make([]string, 0, len(ids)*8)
	for i, id := range ids {
		if i > 0 {
			args = append(args, ";")
		}
		command := fmt.Sprintf("cd /d \"%s\" && \"%s\"", escapeCmdArg(nodeDir), escapeCmdArg(nodeExeAbs))
		for _, arg := range nodeArgs(id, configPath) {
			command += fmt.Sprintf(" \"%s\"", escapeCmdArg(arg))
		}
		args = append(args,
			"new-tab",
			"--title", fmt.Sprintf("n%d", id),
			"--",
			"cmd.exe",
			"/k",
			command,
		)
	}
	return args
}

func escapeCmdArg(val string) string {
	return strings.ReplaceAll(val, "\"", "\\\"")
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "start_nodes: %v\n", err)
	os.Exit(1)
}
