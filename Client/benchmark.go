package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	configurations "lamport-kv/Configurations"
)

type BenchmarkConfig struct {
	TotalOps int     `json:"totalOps"`
	ReadPct  float64 `json:"readPct"`
	KeySpace int     `json:"keySpace"`
	Skew     float64 `json:"skew"`
	Runs     int     `json:"runs"`
	Seed     int64   `json:"seed"`
}

type benchmarkOp struct {
	Kind  CommandKind
	Key   string
	Value string
	Node  configurations.NodeID
}

type keySampler struct {
	count int
	zipf  *rand.Zipf
}

type performanceTracker struct {
	mu            sync.Mutex
	opCount       int
	failures      int
	totalLatency  time.Duration
	earliestStart time.Time
	latestEnd     time.Time
}

type benchmarkTotals struct {
	opCount      int
	failures     int
	totalLatency time.Duration
	totalRuntime time.Duration
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{}
}

func (p *performanceTracker) record(start, end time.Time) {
	if end.Before(start) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.earliestStart.IsZero() || start.Before(p.earliestStart) {
		p.earliestStart = start
	}
	if end.After(p.latestEnd) {
		p.latestEnd = end
	}
	p.opCount++
	p.totalLatency += end.Sub(start)
}

func (p *performanceTracker) fail() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

func (p *performanceTracker) summary() (count int, duration time.Duration, throughput float64, avgLatency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count = p.opCount
	if !p.earliestStart.IsZero() && p.latestEnd.After(p.earliestStart) {
		duration = p.latestEnd.Sub(p.earliestStart)
	}
	if count > 0 {
		if duration > 0 {
			throughput = float64(count) / duration.Seconds()
		}
		avgLatency = time.Duration(int64(p.totalLatency) / int64(count))
	}
	return
}

// runBenchmark drives a synthetic insert/lookup workload with one worker per
// node, then checks that every replica ended up with the same dictionary.
func runBenchmark(path string, nodes map[configurations.NodeID]nodeClient, ids []configurations.NodeID) error {
	cfg, err := loadBenchmarkConfig(path)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no nodes available for benchmarking")
	}
	fmt.Printf("Benchmarking with config: %+v\n", cfg)

	totals := benchmarkTotals{}
	for run := 1; run <= cfg.Runs; run++ {
		fmt.Printf("\n--- Benchmark Run %d/%d ---\n", run, cfg.Runs)
		rng := rand.New(rand.NewSource(cfg.Seed + int64(run)))
		ops := generateBenchmarkOps(cfg, rng, newKeySampler(rng, cfg.KeySpace, cfg.Skew), ids)

		metrics := newPerformanceTracker()
		if err := processBenchmarkOps(ops, nodes, metrics); err != nil {
			return err
		}
		count, duration, throughput, avgLatency := metrics.summary()
		fmt.Printf("Run %d: ops=%d failures=%d throughput=%.2f op/s avg latency=%s duration=%s\n",
			run, count, metrics.failures, throughput, avgLatency, duration)
		totals.consume(metrics)

		if err := checkReplicasAgree(nodes, ids); err != nil {
			return fmt.Errorf("run %d: %w", run, err)
		}
	}
	totals.report(cfg.Runs)
	return nil
}

func loadBenchmarkConfig(path string) (BenchmarkConfig, error) {
	var cfg BenchmarkConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.TotalOps <= 0 {
		cfg.TotalOps = 30
	}
	if cfg.KeySpace <= 0 {
		cfg.KeySpace = 10
	}
	if cfg.Runs <= 0 {
		cfg.Runs = 1
	}
	cfg.ReadPct = clampFloat(cfg.ReadPct, 0, 1)
	cfg.Skew = clampFloat(cfg.Skew, 0, 1)
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return cfg, nil
}

func clampFloat(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

func newKeySampler(rng *rand.Rand, count int, skew float64) *keySampler {
	ks := &keySampler{count: count}
	if skew > 0 && count > 1 {
		ks.zipf = rand.NewZipf(rng, 1.0001+skew*1.5, 1, uint64(count-1))
	}
	return ks
}

func (ks *keySampler) sample(rng *rand.Rand) int {
	if ks.count <= 1 {
		return 1
	}
	if ks.zipf != nil {
		idx := int(ks.zipf.Uint64())
		if idx >= ks.count {
			idx = ks.count - 1
		}
		return idx + 1
	}
	return rng.Intn(ks.count) + 1
}

func generateBenchmarkOps(cfg BenchmarkConfig, rng *rand.Rand, keys *keySampler, ids []configurations.NodeID) []benchmarkOp {
	ops := make([]benchmarkOp, 0, cfg.TotalOps)
	for i := 0; i < cfg.TotalOps; i++ {
		op := benchmarkOp{
			Kind: CmdInsert,
			Key:  strconv.Itoa(keys.sample(rng)),
			Node: ids[rng.Intn(len(ids))],
		}
		if rng.Float64() < cfg.ReadPct {
			op.Kind = CmdLookup
		} else {
			op.Value = fmt.Sprintf("v%d", i)
		}
		ops = append(ops, op)
	}
	return ops
}

// processBenchmarkOps runs each node's share of ops in order on its own
// worker, so no node ever has more than one write outstanding.
func processBenchmarkOps(ops []benchmarkOp, nodes map[configurations.NodeID]nodeClient, perf *performanceTracker) error {
	perNode := make(map[configurations.NodeID][]benchmarkOp)
	for _, op := range ops {
		perNode[op.Node] = append(perNode[op.Node], op)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(perNode))
	for id, queue := range perNode {
		client, ok := nodes[id]
		if !ok {
			return fmt.Errorf("no client for node %d", id)
		}
		wg.Add(1)
		go func(client nodeClient, queue []benchmarkOp) {
			defer wg.Done()
			for _, op := range queue {
				start := time.Now()
				switch op.Kind {
				case CmdInsert:
					reply, err := client.Insert(op.Key, op.Value)
					if err != nil {
						errCh <- err
						return
					}
					if !reply.Success {
						perf.fail()
						continue
					}
				case CmdLookup:
					if _, err := client.Lookup(op.Key); err != nil {
						errCh <- err
						return
					}
				}
				perf.record(start, time.Now())
			}
		}(client, queue)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func checkReplicasAgree(nodes map[configurations.NodeID]nodeClient, ids []configurations.NodeID) error {
	var want string
	for i, id := range ids {
		pairs, err := nodes[id].Dictionary()
		if err != nil {
			return err
		}
		got := configurations.FormatDictionary(pairs)
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			return fmt.Errorf("replica of node %d diverged: %s vs %s", id, got, want)
		}
	}
	return nil
}

func (bt *benchmarkTotals) consume(pt *performanceTracker) {
	count, duration, _, _ := pt.summary()
	pt.mu.Lock()
	bt.failures += pt.failures
	bt.totalLatency += pt.totalLatency
	pt.mu.Unlock()
	bt.opCount += count
	bt.totalRuntime += duration
}

func (bt *benchmarkTotals) report(runs int) {
	fmt.Printf("\nBenchmark summary across %d run(s):\n", runs)
	if bt.opCount == 0 {
		fmt.Println("No operations executed.")
		return
	}
	avgLatency := time.Duration(int64(bt.totalLatency) / int64(bt.opCount))
	var throughput float64
	if bt.totalRuntime > 0 {
		throughput = float64(bt.opCount) / bt.totalRuntime.Seconds()
	}
	fmt.Printf("Total ops=%d, failures=%d, overall throughput=%.2f op/s, avg latency=%s, wall-clock duration=%s\n",
		bt.opCount, bt.failures, throughput, avgLatency, bt.totalRuntime)
}
