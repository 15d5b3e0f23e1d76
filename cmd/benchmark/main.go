package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"caskdb/pkg/config"
	"caskdb/pkg/dberrors"
	"caskdb/pkg/store"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	totalOps := flag.Int("ops", 10000, "operations per test")
	concurrency := flag.Int("concurrency", 10, "goroutines for the concurrent tests")
	indexType := flag.String("index", string(config.BTree), "index type: btree, skiplist or sqlite")
	syncWrites := flag.Bool("sync", false, "sync every write")
	flag.Parse()

	dir, err := os.MkdirTemp("", "caskdb-bench-")
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.DirPath = filepath.Join(dir, "db")
	cfg.IndexType = config.IndexType(*indexType)
	cfg.SyncWrites = *syncWrites
	cfg.DataFileSize = 64 * 1024 * 1024

	db, err := store.Open(cfg)
	if err != nil {
		fmt.Printf("ERROR: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("=== caskdb Benchmark Test ===")
	fmt.Printf("Index: %s, sync: %v, dir: %s\n", cfg.IndexType, cfg.SyncWrites, cfg.DirPath)
	fmt.Println()

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *totalOps)
	printResult("Writes", benchmarkWrites(db, *totalOps, 1))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *totalOps)
	printResult("Reads", benchmarkReads(db, *totalOps, 1))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *totalOps, *concurrency)
	printResult("Concurrent Writes", benchmarkWrites(db, *totalOps, *concurrency))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *totalOps, *concurrency)
	printResult("Concurrent Reads", benchmarkReads(db, *totalOps, *concurrency))

	fmt.Println("\nTest 5: Merge")
	mergeStart := time.Now()
	if err := db.Merge(); err != nil {
		fmt.Printf("  Merge failed: %v\n", err)
	} else {
		fmt.Printf("  Duration: %v\n", time.Since(mergeStart))
	}

	if stat, err := db.Stat(); err == nil {
		fmt.Printf("\nKeys: %d, data files: %d, disk size: %d bytes\n",
			stat.KeyNum, stat.DataFileNum, stat.DiskSize)
	}

	fmt.Println("\n=== Benchmark Complete ===")
}

// runOps splits totalOps across concurrency goroutines and times every op(goroutineID, j).
func runOps(totalOps, concurrency int, op func(goroutineID, j int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(goroutineID, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	var min, max, sum time.Duration
	if len(latencies) > 0 {
		min = latencies[0]
		max = latencies[0]
		for _, lat := range latencies {
			if lat < min {
				min = lat
			}
			if lat > max {
				max = lat
			}
			sum += lat
		}
	}
	var avgLatency time.Duration
	if len(latencies) > 0 {
		avgLatency = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avgLatency,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func benchmarkWrites(db *store.Store, totalOps, concurrency int) BenchmarkResult {
	return runOps(totalOps, concurrency, func(goroutineID, j int) error {
		key := fmt.Sprintf("bench_key_%d_%d", goroutineID, j)
		value := fmt.Sprintf("bench_value_%d_%d_%d", goroutineID, j, time.Now().UnixNano())
		return db.Put([]byte(key), []byte(value))
	})
}

func benchmarkReads(db *store.Store, totalOps, concurrency int) BenchmarkResult {
	// Сначала создаём ключи для чтения
	for i := 0; i < totalOps; i++ {
		key := fmt.Sprintf("read_test_%d", i)
		if err := db.Put([]byte(key), []byte(fmt.Sprintf("value_%d", i))); err != nil {
			fmt.Printf("  preload failed: %v\n", err)
			break
		}
	}

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	return runOps(totalOps, concurrency, func(goroutineID, j int) error {
		keyIndex := goroutineID*opsPerGoroutine + min(goroutineID, remainder) + j
		key := fmt.Sprintf("read_test_%d", keyIndex)
		_, err := db.Get([]byte(key))
		if errors.Is(err, dberrors.ErrKeyNotFound) {
			return fmt.Errorf("key %s not found", key)
		}
		return err
	})
}

func printResult(testName string, result BenchmarkResult) {
	fmt.Printf("  %s\n", testName)
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
