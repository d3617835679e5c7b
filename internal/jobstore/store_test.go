package jobstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateJobIdempotencyKeyReplay(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.CreateJob("job-1", "sess-1", "key-A")
	if err != nil {
		t.Fatal(err)
	}

	id2, err := s.CreateJob("job-2", "sess-1", "key-A")
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Errorf("expected replay to return same job id, got %q and %q", id1, id2)
	}
	if id2 != "job-1" {
		t.Errorf("expected id2 = job-1, got %q", id2)
	}
}

func TestCreateJobIdempotencyKeyReplayConcurrent(t *testing.T) {
	s := openTestStore(t)

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.CreateJob(fmt.Sprintf("job-race-%d", i), "sess-race", "key-race")
			ids[i] = id
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: CreateJob failed: %v", i, err)
		}
	}

	first := ids[0]
	for i, id := range ids {
		if id != first {
			t.Errorf("goroutine %d returned job id %q, want %q (all concurrent callers with the same Idempotency-Key must agree on one winner)", i, id, first)
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE session_id = ? AND idempotency_key = ?", "sess-race", "key-race").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 job row for the shared idempotency key, got %d", count)
	}
}

func TestAppendEventSequenceMonotonicConcurrent(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateJob("job-seq", "sess-1", ""); err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.AppendEvent("job-seq", "LLM_TOKEN", json.RawMessage(`{}`))
			if err != nil {
				t.Error(err)
				return
			}
			seqs[i] = seq
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate sequence number %d", seq)
		}
		seen[seq] = true
	}
	for i := int64(0); i < n; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence number %d", i)
		}
	}
}

func TestReadEventsResumeAfter(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateJob("job-r", "sess-1", ""); err != nil {
		t.Fatal(err)
	}

	var lastSeq int64
	for i := 0; i < 5; i++ {
		seq, err := s.AppendEvent("job-r", "NOTIFICATION", json.RawMessage(`{"i":`+string(rune('0'+i))+`}`))
		if err != nil {
			t.Fatal(err)
		}
		lastSeq = seq
	}

	all, err := s.ReadEvents("job-r", -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	if all[len(all)-1].Seq != lastSeq {
		t.Errorf("last seq = %d, want %d", all[len(all)-1].Seq, lastSeq)
	}

	resumed, err := s.ReadEvents("job-r", lastSeq-1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 1 {
		t.Fatalf("expected 1 event after resuming, got %d", len(resumed))
	}
	if resumed[0].Seq != lastSeq {
		t.Errorf("resumed seq = %d, want %d", resumed[0].Seq, lastSeq)
	}
}

func TestTransitionValidAndIllegal(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateJob("job-t", "sess-1", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.Transition("job-t", StateRunning); err != nil {
		t.Fatalf("PENDING -> RUNNING should succeed: %v", err)
	}
	if err := s.Transition("job-t", StateSucceeded); err != nil {
		t.Fatalf("RUNNING -> SUCCEEDED should succeed: %v", err)
	}

	err := s.Transition("job-t", StateRunning)
	if err == nil {
		t.Fatal("expected illegal transition from terminal state")
	}
	if _, ok := err.(*TransitionError); !ok {
		t.Errorf("expected *TransitionError, got %T", err)
	}
}

func TestGetStatus(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateJob("job-s", "sess-1", ""); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetStatus("job-s")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StatePending {
		t.Errorf("State = %s, want PENDING", st.State)
	}
	if st.LastSeq != -1 {
		t.Errorf("LastSeq = %d, want -1", st.LastSeq)
	}
}
