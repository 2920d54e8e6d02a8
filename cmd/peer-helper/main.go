package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mundrapranay/umbra-ledger/pkg/client"
)

// This helper program joins peers to a Raft cluster through the leader's
// HTTP API. The caller must hold the admin role on the ledger.
//
// Usage: peer-helper <leader-url> <admin-caller> <peer-id>:<peer-addr> [<peer-id>:<peer-addr> ...]
func main() {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <leader-url> <admin-caller> <peer-id>:<peer-addr> [<peer-id>:<peer-addr> ...]\n", os.Args[0])
		os.Exit(1)
	}

	leaderURL := os.Args[1]
	adminCaller := os.Args[2]

	ctx := context.Background()
	c := client.NewClient(leaderURL, adminCaller, nil)

	fmt.Printf("⏳ Checking leader at %s...\n", leaderURL)
	status, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to reach leader: %v\n", err)
		os.Exit(1)
	}
	if !status.IsLeader {
		fmt.Fprintf(os.Stderr, "⚠️  Node at %s is not the leader (leader hint: %s)\n", leaderURL, status.Leader)
		os.Exit(1)
	}

	// Add peers
	failures := 0
	for i := 3; i < len(os.Args); i++ {
		peerSpec := os.Args[i]

		// Parse peer-id:peer-addr format
		colonIdx := -1
		for j := len(peerSpec) - 1; j >= 0; j-- {
			if peerSpec[j] == ':' {
				colonIdx = j
				break
			}
		}

		if colonIdx == -1 {
			fmt.Fprintf(os.Stderr, "⚠️  Invalid peer spec: %s (expected peer-id:peer-addr)\n", peerSpec)
			failures++
			continue
		}

		peerID := peerSpec[:colonIdx]
		peerAddr := peerSpec[colonIdx+1:]

		fmt.Printf("📝 Adding peer %s at %s...\n", peerID, peerAddr)

		if err := c.AddPeer(ctx, peerID, peerAddr); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to add peer %s: %v\n", peerID, err)
			failures++
			continue
		}

		fmt.Printf("✅ Added peer %s\n", peerID)
		time.Sleep(1 * time.Second)
	}

	if failures > 0 {
		fmt.Printf("⚠️  Peer addition finished with %d failure(s)\n", failures)
		os.Exit(1)
	}
	fmt.Println("✅ Peer addition complete")
}
