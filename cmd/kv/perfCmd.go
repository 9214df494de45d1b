package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/birchkv/birch/cmd/util"
	"github.com/birchkv/birch/rpc/common"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for birch servers",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	KeyValueCommands.PersistentFlags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	KeyValueCommands.PersistentFlags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	KeyValueCommands.PersistentFlags().Int(key, 1000, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	KeyValueCommands.PersistentFlags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for birch servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("staring tests...")

	results := make(map[string]testing.BenchmarkResult)

	setResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("set") {
			return
		}

		getKey, iter := getKeys("set")

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(set) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := rpcStore.Set(getKey(counter), []byte("test")); err != nil {
					log.Printf("(set) - error setting key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["set"] = setResult
	printResult("set", setResult)

	setLargeValueResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("set-large") {
			return
		}

		largeValue := make([]byte, perfLargeValueSizeKB*1024)

		getKey, iter := getKeys("set-large")

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(set-large) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := rpcStore.Set(getKey(counter), largeValue); err != nil {
					log.Printf("(set-large) - error setting key: %v", err)
				}
				counter++
			}
		})
	})

	results["set-large"] = setLargeValueResult
	printResult("large-set", setLargeValueResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("get") {
			return
		}

		getKey, iter := getKeys("get")

		iter(func(k string) {
			if err := rpcStore.Set(k, []byte("test")); err != nil {
				log.Printf("(get) - error setting key: %v\n", err)
			}
		})

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(get) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, _, err := rpcStore.Get(getKey(counter)); err != nil {
					log.Printf("(get) - error getting key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["get"] = getResult
	printResult("get", getResult)

	deleteResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("delete") {
			return
		}

		getKey, iter := getKeys("delete")

		iter(func(k string) {
			if err := rpcStore.Set(k, []byte("test")); err != nil {
				log.Printf("(delete) - error setting key: %v\n", err)
			}
		})

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(delete) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := rpcStore.Delete(getKey(counter)); err != nil {
					log.Printf("(delete) - error deleting key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["delete"] = deleteResult
	printResult("delete", deleteResult)

	hasResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("has") {
			return
		}

		getKey, iter := getKeys("has")

		iter(func(k string) {
			if err := rpcStore.Set(k, []byte("test")); err != nil {
				log.Printf("(has) - error setting key: %v\n", err)
			}
		})

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(has) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, err := rpcStore.Has(getKey(counter)); err != nil {
					log.Printf("(has) - error checking key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["has"] = hasResult
	printResult("has", hasResult)

	rmwResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("rmw") {
			return
		}

		getKey, iter := getKeys("rmw")

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(rmw) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := rpcStore.RMW(getKey(counter), []byte("1")); err != nil {
					log.Printf("(rmw) - error merging key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["rmw"] = rmwResult
	printResult("rmw", rmwResult)

	mixedUsageResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}

		getKey, iter := getKeys("mixed")

		iter(func(k string) {
			if err := rpcStore.Set(k, []byte("test")); err != nil {
				log.Printf("(mixed) - error setting key: %v\n", err)
			}
		})

		b.Cleanup(func() {
			iter(func(k string) {
				if err := rpcStore.Delete(k); err != nil {
					log.Printf("(mixed) - error deleting key: %v\n", err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			key := getKey(counter)
			for pb.Next() {
				var err error
				switch counter % 4 {
				case 0:
					err = rpcStore.Set(key, []byte("test"))
				case 1:
					_, _, err = rpcStore.Get(key)
				case 2:
					err = rpcStore.RMW(key, []byte("1"))
				case 3:
					_, err = rpcStore.Has(key)
				}

				if err != nil {
					log.Printf("(mixed) - error performing operation (%d): %v\n", counter%4, err)
				}
				counter++
			}
		})
	})

	results["mixed"] = mixedUsageResult
	printResult("mixed", mixedUsageResult)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// getKeys creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
