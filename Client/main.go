package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	configurations "lamport-kv/Configurations"
)

func main() {
	inputPath := flag.String("inputfile", "", "Command script to execute")
	outputPath := flag.String("outputfile", "", "File receiving one result line per command")
	configPath := flag.String("config", "", "Path to cluster_config.json")
	benchmarkPath := flag.String("benchmark", "", "Run the benchmark described by this JSON file instead of a script")
	flag.Parse()

	if *benchmarkPath == "" && (*inputPath == "" || *outputPath == "") {
		fmt.Fprintln(os.Stderr, "usage: Client -inputfile <script> -outputfile <log> [-config <cluster_config.json>]")
		fmt.Fprintln(os.Stderr, "       Client -benchmark <benchmark.json> [-config <cluster_config.json>]")
		os.Exit(2)
	}

	cluster, err := configurations.LoadCluster(*configPath)
	if err != nil {
		log.Fatalf("failed to load cluster configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodes, closeNodes, err := dialNodes(ctx, cluster)
	if err != nil {
		log.Fatalf("[Coordinator] Failed to connect to nodes: %v", err)
	}
	defer closeNodes()

	if *benchmarkPath != "" {
		if err := runBenchmark(*benchmarkPath, nodes, cluster.NodeIDs()); err != nil {
			log.Fatalf("benchmark failed: %v", err)
		}
		return
	}

	if err := runScript(*inputPath, *outputPath, nodes); err != nil {
		log.Printf("[Coordinator] Error: %v", err)
	}
	fmt.Println("[Coordinator] Done.")
}

func runScript(inputPath, outputPath string, nodes map[configurations.NodeID]nodeClient) error {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer out.Close()

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("input file not found: %w", err)
	}
	defer in.Close()

	cmds, err := loadScript(in)
	if err != nil {
		return fmt.Errorf("read input file: %w", err)
	}

	runner := newScriptRunner(nodes, out)
	if err := runner.run(cmds); err != nil {
		return err
	}
	count, duration, throughput, avgLatency := runner.perf.summary()
	if count > 0 {
		log.Printf("[Coordinator] inserts=%d, throughput=%.2f op/s, avg latency=%s, duration=%s",
			count, throughput, avgLatency, duration)
	}
	return nil
}
