package store

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

func benchSubmitCommand(seed string) *raft.Log {
	cmd := Command{
		Op: OpSubmit,
		Submit: &SubmitArgs{
			SubmitterTag: ledger.Handle("tag-" + seed),
			Body:         ledger.Handle("body-" + seed),
			Embedding:    ledger.Handle("emb-" + seed),
			CreatedAt:    time.Unix(0, 0).UTC(),
		},
	}
	data, _ := json.Marshal(cmd)
	return &raft.Log{Data: data}
}

func BenchmarkFSM_Apply_Submit(b *testing.B) {
	fsm := NewFSM()
	log := benchSubmitCommand("bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fsm.Apply(log)
	}
}

func BenchmarkFSM_RecordLookup(b *testing.B) {
	fsm := NewFSM()
	fsm.Apply(benchSubmitCommand("bench"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fsm.View(func(s *ledger.State) error {
			_, err := s.RecordByID(1)
			return err
		})
	}
}

func BenchmarkFSM_Snapshot(b *testing.B) {
	fsm := NewFSM()

	// Pre-populate with data
	for i := 0; i < 1000; i++ {
		fsm.Apply(benchSubmitCommand(fmt.Sprintf("%d", i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fsm.Snapshot()
	}
}

func BenchmarkFSM_ConcurrentReads(b *testing.B) {
	fsm := NewFSM()
	fsm.Apply(benchSubmitCommand("bench"))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			fsm.View(func(s *ledger.State) error {
				_, err := s.RecordByID(1)
				return err
			})
		}
	})
}
