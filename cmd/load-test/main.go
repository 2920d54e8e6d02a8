package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/pkg/client"
)

var (
	serverAddr       = flag.String("server", "http://127.0.0.1:8080", "Ledger server base URL")
	oracleAddr       = flag.String("oracle", "http://127.0.0.1:8090", "Oracle base URL (used for encryption)")
	proofKey         = flag.String("proof-key", "", "Shared secret for decryption proofs")
	numWorkers       = flag.Int("workers", 5, "Number of concurrent submitters")
	reviewsPerWorker = flag.Int("reviews", 20, "Number of reviews per submitter")
	queriesPerSec    = flag.Float64("qps", 10.0, "Record queries per second")
	duration         = flag.Duration("duration", 30*time.Second, "Query test duration")
	revealSample     = flag.Int("reveal-every", 5, "Request a reveal for every Nth record")
)

var departments = []string{"engineering", "sales", "support", "research"}

func main() {
	flag.Parse()

	if *proofKey == "" {
		log.Fatal("proof-key is required")
	}

	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("🚀 umbra-ledger Load Testing\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Println()
	fmt.Printf("📋 Configuration:\n")
	fmt.Printf("   Server:             %s\n", *serverAddr)
	fmt.Printf("   Oracle:             %s\n", *oracleAddr)
	fmt.Printf("   Concurrent workers: %d\n", *numWorkers)
	fmt.Printf("   Reviews per worker: %d\n", *reviewsPerWorker)
	fmt.Printf("   Queries per sec:    %.1f\n", *queriesPerSec)
	fmt.Printf("   Test duration:      %v\n", *duration)
	fmt.Println()

	ctx := context.Background()
	oracle := crypto.NewRemoteOracle(*oracleAddr, "", []byte(*proofKey))

	// Check connectivity before starting
	fmt.Printf("🔌 Connecting to server...\n")
	adminClient := client.NewClient(*serverAddr, "load-test-admin", oracle)
	if _, err := adminClient.Status(ctx); err != nil {
		log.Fatalf("Failed to reach server: %v", err)
	}
	fmt.Printf("✅ Connected successfully!\n\n")

	// Track metrics
	var (
		workersCompleted int64
		workersFailed    int64
		reviewsPublished int64
		revealsRequested int64
		revealsFailed    int64
		queriesCompleted int64
		queriesFailed    int64
		totalSubmitTime  int64 // nanoseconds
		totalQueryTime   int64 // nanoseconds
	)

	var idsMu sync.Mutex
	var recordIDs []uint64

	// Phase 1: concurrent submitters
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("📋 Phase 1: Concurrent Submission Test\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Println()

	submitStart := time.Now()
	var submitWg sync.WaitGroup

	for workerNum := 0; workerNum < *numWorkers; workerNum++ {
		submitWg.Add(1)
		go func(wID int) {
			defer submitWg.Done()

			workerStart := time.Now()
			c := client.NewClient(*serverAddr, fmt.Sprintf("load-worker-%03d", wID), oracle)

			reviews := make([]crypto.Review, 0, *reviewsPerWorker)
			for j := 0; j < *reviewsPerWorker; j++ {
				reviews = append(reviews, crypto.Review{
					SubmitterTag: fmt.Sprintf("worker-%03d-reviewer-%04d", wID, j),
					Body:         fmt.Sprintf("load review %d from worker %d", j, wID),
					Department:   departments[(wID+j)%len(departments)],
					Score:        int64(j%10 + 1),
				})
			}

			ids, err := c.SubmitReviewBatch(ctx, reviews)
			if err != nil {
				log.Printf("Worker %d failed: %v", wID, err)
				atomic.AddInt64(&workersFailed, 1)
				return
			}

			idsMu.Lock()
			recordIDs = append(recordIDs, ids...)
			idsMu.Unlock()

			workerDuration := time.Since(workerStart)
			atomic.AddInt64(&reviewsPublished, int64(len(ids)))
			atomic.AddInt64(&totalSubmitTime, workerDuration.Nanoseconds())
			atomic.AddInt64(&workersCompleted, 1)

			fmt.Printf("   ✅ Worker %d submitted %d reviews in %v\n", wID, len(ids), workerDuration)
		}(workerNum + 1)
	}

	submitWg.Wait()
	submitDuration := time.Since(submitStart)

	fmt.Println()
	fmt.Printf("📊 Submission Results:\n")
	fmt.Printf("   Completed: %d\n", atomic.LoadInt64(&workersCompleted))
	fmt.Printf("   Failed:    %d\n", atomic.LoadInt64(&workersFailed))
	fmt.Printf("   Reviews:   %d\n", atomic.LoadInt64(&reviewsPublished))
	fmt.Printf("   Duration:  %v\n", submitDuration)
	if atomic.LoadInt64(&workersCompleted) > 0 {
		avgTime := time.Duration(atomic.LoadInt64(&totalSubmitTime) / atomic.LoadInt64(&workersCompleted))
		fmt.Printf("   Avg time:  %v\n", avgTime)
	}
	fmt.Println()

	// Kick the reveal pipeline for a sample of records so queries hit a
	// mix of revealed and ciphertext-only state.
	if *revealSample > 0 && len(recordIDs) > 0 {
		fmt.Printf("📤 Requesting reveals for every %dth record...\n", *revealSample)
		for i, id := range recordIDs {
			if i%*revealSample != 0 {
				continue
			}
			if _, err := adminClient.RequestReveal(ctx, id); err != nil {
				atomic.AddInt64(&revealsFailed, 1)
			} else {
				atomic.AddInt64(&revealsRequested, 1)
			}
		}
		fmt.Printf("✅ Issued %d reveal requests (%d failed)\n\n",
			atomic.LoadInt64(&revealsRequested), atomic.LoadInt64(&revealsFailed))
	}

	fmt.Printf("⏳ Waiting for oracle callbacks (3 seconds)...\n")
	time.Sleep(3 * time.Second)
	fmt.Println()

	// Phase 2: read load
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("📋 Phase 2: Record Query Load Test\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Println()

	queryInterval := time.Duration(float64(time.Second) / *queriesPerSec)
	fmt.Printf("🔍 Running record queries at %.1f QPS for %v...\n", *queriesPerSec, *duration)
	fmt.Printf("   Query interval: %v\n", queryInterval)
	fmt.Println()

	testStart := time.Now()
	stopTime := testStart.Add(*duration)
	ticker := time.NewTicker(queryInterval)
	defer ticker.Stop()

	// Progress update ticker (every 5 seconds)
	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()

	// Start query goroutine
	done := make(chan bool, 1)
	go func() {
		for {
			select {
			case <-ticker.C:
				if time.Now().After(stopTime) {
					return
				}

				idsMu.Lock()
				if len(recordIDs) == 0 {
					idsMu.Unlock()
					continue
				}
				recordID := recordIDs[rand.Intn(len(recordIDs))]
				idsMu.Unlock()

				go func(id uint64) {
					queryStart := time.Now()

					queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
					defer cancel()

					_, err := adminClient.Record(queryCtx, id)
					queryDuration := time.Since(queryStart)

					if err != nil {
						atomic.AddInt64(&queriesFailed, 1)
						// Log first few errors and periodically after that
						failed := atomic.LoadInt64(&queriesFailed)
						if failed <= 5 || failed%100 == 0 {
							fmt.Printf("   ❌ Query failed: record %d [%v] - Error: %v\n", id, queryDuration, err)
						}
					} else {
						atomic.AddInt64(&queriesCompleted, 1)
						atomic.AddInt64(&totalQueryTime, queryDuration.Nanoseconds())
					}

					total := atomic.LoadInt64(&queriesCompleted) + atomic.LoadInt64(&queriesFailed)
					if total < 10 {
						fmt.Printf("   Query: record %d [%v]\n", id, queryDuration)
					}
				}(recordID)
			case <-done:
				return
			}
		}
	}()

	// Progress reporting goroutine
	progressDone := make(chan bool, 1)
	go func() {
		for {
			select {
			case <-progressTicker.C:
				if time.Now().After(stopTime) {
					return
				}
				elapsed := time.Since(testStart)
				remaining := *duration - elapsed
				if remaining < 0 {
					remaining = 0
				}
				completed := atomic.LoadInt64(&queriesCompleted)
				failed := atomic.LoadInt64(&queriesFailed)
				total := completed + failed
				successRate := 0.0
				if total > 0 {
					successRate = float64(completed) * 100.0 / float64(total)
				}
				fmt.Printf("   ⏱️  Progress: %v elapsed, %v remaining | Queries: %d total (%d completed, %d failed, %.1f%% success)\n",
					elapsed.Round(time.Second), remaining.Round(time.Second), total, completed, failed, successRate)
			case <-progressDone:
				return
			}
		}
	}()

	// Wait for test duration
	time.Sleep(*duration)
	testDuration := time.Since(testStart)

	// Signal done and wait a bit for in-flight queries
	done <- true
	progressDone <- true
	time.Sleep(2 * time.Second)

	fmt.Println()
	fmt.Printf("📊 Query Results:\n")
	totalQueries := atomic.LoadInt64(&queriesCompleted) + atomic.LoadInt64(&queriesFailed)
	fmt.Printf("   Completed:      %d\n", atomic.LoadInt64(&queriesCompleted))
	fmt.Printf("   Failed:         %d\n", atomic.LoadInt64(&queriesFailed))
	fmt.Printf("   Total:          %d\n", totalQueries)
	fmt.Printf("   Duration:       %v\n", testDuration)
	if totalQueries > 0 {
		actualQPS := float64(totalQueries) / testDuration.Seconds()
		fmt.Printf("   Actual QPS:     %.2f\n", actualQPS)
	}
	if atomic.LoadInt64(&queriesCompleted) > 0 {
		avgQueryTime := time.Duration(atomic.LoadInt64(&totalQueryTime) / atomic.LoadInt64(&queriesCompleted))
		fmt.Printf("   Avg query time: %v\n", avgQueryTime)
	}
	fmt.Println()

	// Summary
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("📋 Load Test Summary\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("  Concurrent workers:  %d\n", *numWorkers)
	fmt.Printf("  Workers completed:   %d\n", atomic.LoadInt64(&workersCompleted))
	fmt.Printf("  Workers failed:      %d\n", atomic.LoadInt64(&workersFailed))
	fmt.Printf("  Reviews published:   %d\n", atomic.LoadInt64(&reviewsPublished))
	fmt.Printf("  Reveals requested:   %d\n", atomic.LoadInt64(&revealsRequested))
	fmt.Printf("  Total queries:       %d\n", totalQueries)
	fmt.Printf("  Queries succeeded:   %d\n", atomic.LoadInt64(&queriesCompleted))
	fmt.Printf("  Queries failed:      %d\n", atomic.LoadInt64(&queriesFailed))
	if totalQueries > 0 {
		fmt.Printf("  Query success rate: %.2f%%\n", float64(atomic.LoadInt64(&queriesCompleted))*100.0/float64(totalQueries))
	}
	fmt.Println()

	if atomic.LoadInt64(&workersFailed) == 0 && atomic.LoadInt64(&queriesFailed) == 0 && atomic.LoadInt64(&revealsFailed) == 0 {
		fmt.Printf("✅ Load test passed!\n")
	} else {
		fmt.Printf("⚠️  Load test completed with some failures\n")
	}
}
