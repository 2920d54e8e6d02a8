package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/pkg/client"
)

var (
	serverAddr = flag.String("server", "http://127.0.0.1:8080", "Ledger server base URL")
	oracleAddr = flag.String("oracle", "http://127.0.0.1:8090", "Oracle base URL (used for encryption)")
	proofKey   = flag.String("proof-key", "", "Shared secret for decryption proofs")
	caller     = flag.String("caller", "demo-reviewer", "Caller name sent with every request")
	numReviews = flag.Int("reviews", 6, "Number of reviews to submit")
	admin      = flag.Bool("admin", false, "Claim the admin role and request a disclosure")
)

var departments = []string{"engineering", "sales"}

func main() {
	flag.Parse()

	if *proofKey == "" {
		log.Fatal("proof-key is required")
	}

	ctx := context.Background()

	// The client encrypts locally through the oracle; the ledger only
	// ever sees ciphertext handles.
	fmt.Printf("🔌 Connecting to server at %s...\n", *serverAddr)
	oracle := crypto.NewRemoteOracle(*oracleAddr, "", []byte(*proofKey))
	c := client.NewClient(*serverAddr, *caller, oracle)

	status, err := c.Status(ctx)
	if err != nil {
		log.Fatalf("Failed to reach server: %v", err)
	}
	fmt.Printf("✅ Connected! Leader: %v, records: %d, mechanism: %s\n\n",
		status.IsLeader, status.Records, status.Mechanism)

	// Step 1: Encrypt and submit reviews
	fmt.Printf("📦 Encrypting and submitting %d reviews...\n", *numReviews)
	recordIDs := make([]uint64, 0, *numReviews)
	expectedSums := make(map[string]int64)

	submitStart := time.Now()
	for i := 0; i < *numReviews; i++ {
		dept := departments[i%len(departments)]
		score := int64(i%5 + 1)
		review := crypto.Review{
			SubmitterTag: fmt.Sprintf("reviewer-%03d", i+1),
			Body:         fmt.Sprintf("review %d for %s", i+1, dept),
			Department:   dept,
			Score:        score,
		}

		id, err := c.SubmitReview(ctx, review)
		if err != nil {
			log.Fatalf("Failed to submit review %d: %v", i+1, err)
		}
		recordIDs = append(recordIDs, id)
		expectedSums[dept] += score
	}
	submitDuration := time.Since(submitStart)
	fmt.Printf("✅ Submitted %d reviews in %v\n\n", len(recordIDs), submitDuration)

	// Step 2: Confirm nothing is readable before a reveal
	fmt.Printf("🔍 Checking record %d before any reveal...\n", recordIDs[0])
	record, err := c.Record(ctx, recordIDs[0])
	if err != nil {
		log.Fatalf("Failed to fetch record: %v", err)
	}
	if record.Revealed {
		fmt.Printf("❌ Record %d is already revealed, expected ciphertext only\n", record.ID)
		os.Exit(1)
	}
	fmt.Printf("✅ Record %d holds ciphertext only (revealed=%v)\n\n", record.ID, record.Revealed)

	// Step 3: Request decryption for every record
	fmt.Printf("📤 Requesting reveals for %d records...\n", len(recordIDs))
	for _, id := range recordIDs {
		if _, err := c.RequestReveal(ctx, id); err != nil {
			log.Fatalf("Failed to request reveal for record %d: %v", id, err)
		}
	}
	fmt.Printf("✅ Reveal requests issued\n\n")

	// Step 4: Wait for the oracle callbacks to land
	fmt.Printf("⏳ Waiting for oracle callbacks...\n")
	deadline := time.Now().Add(30 * time.Second)
	revealed := 0
	for revealed < len(recordIDs) {
		if time.Now().After(deadline) {
			fmt.Printf("❌ Timed out with %d/%d records revealed\n", revealed, len(recordIDs))
			os.Exit(1)
		}
		revealed = 0
		for _, id := range recordIDs {
			rec, err := c.Record(ctx, id)
			if err != nil {
				log.Fatalf("Failed to fetch record %d: %v", id, err)
			}
			if rec.Revealed {
				revealed++
			}
		}
		if revealed < len(recordIDs) {
			time.Sleep(200 * time.Millisecond)
		}
	}
	fmt.Printf("✅ All %d records revealed\n\n", revealed)

	// Step 5: Inspect department aggregates
	fmt.Printf("📊 Department aggregates:\n")
	labels, err := c.Departments(ctx)
	if err != nil {
		log.Fatalf("Failed to list departments: %v", err)
	}

	foldFailures := 0
	for _, label := range labels {
		agg, err := c.Aggregate(ctx, label)
		if err != nil {
			log.Fatalf("Failed to fetch aggregate for %s: %v", label, err)
		}
		fmt.Printf("   %-14s folds=%d hash=%s\n", agg.Label, agg.FoldCount, agg.Hash[:12])
		if agg.FoldCount == 0 {
			foldFailures++
		}
	}
	fmt.Println()

	// Step 6: Admin disclosure (optional)
	disclosed := 0
	if *admin && len(labels) > 0 {
		fmt.Printf("🔐 Claiming admin role as %q...\n", *caller)
		if err := c.SetAdmin(ctx, *caller); err != nil {
			fmt.Printf("⚠️  Could not claim admin (%v), skipping disclosure\n\n", err)
		} else {
			for _, label := range labels {
				if _, err := c.RequestAggregateReveal(ctx, label); err != nil {
					log.Fatalf("Failed to request aggregate reveal for %s: %v", label, err)
				}
			}

			fmt.Printf("⏳ Waiting for disclosures...\n")
			deadline := time.Now().Add(30 * time.Second)
			for _, label := range labels {
				for {
					if time.Now().After(deadline) {
						fmt.Printf("❌ Timed out waiting for disclosure of %s\n", label)
						os.Exit(1)
					}
					d, err := c.Disclosure(ctx, label)
					if err != nil {
						time.Sleep(200 * time.Millisecond)
						continue
					}
					if status.Mechanism == "none" && d.Value != expectedSums[label] {
						fmt.Printf("❌ %s disclosed %d, expected %d\n", label, d.Value, expectedSums[label])
						os.Exit(1)
					}
					fmt.Printf("   ✅ %-14s value=%d mechanism=%s\n", label, d.Value, d.Mechanism)
					disclosed++
					break
				}
			}
			fmt.Println()
		}
	}

	// Summary
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("📋 Summary\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("  Reviews submitted:  %d\n", len(recordIDs))
	fmt.Printf("  Submit duration:    %v\n", submitDuration)
	fmt.Printf("  Records revealed:   %d\n", revealed)
	fmt.Printf("  Departments:        %d\n", len(labels))
	fmt.Printf("  Disclosures:        %d\n", disclosed)

	if foldFailures == 0 {
		fmt.Printf("\n✅ All checks passed!\n")
		os.Exit(0)
	} else {
		fmt.Printf("\n❌ %d departments have empty aggregates!\n", foldFailures)
		os.Exit(1)
	}
}
