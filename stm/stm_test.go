package stm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/The-Alchemist/avout/common"
	"github.com/The-Alchemist/avout/coordinator"
	"github.com/The-Alchemist/avout/statestore"
)

func testConfig() common.Config {
	return common.Config{
		MaxRetries:          200,
		RetryBackoffInitial: time.Millisecond,
		RetryBackoffMax:     10 * time.Millisecond,
		HistoryRetention:    10,
		TransactionTimeout:  30 * time.Second,
	}
}

func newTestClient(t *testing.T, cluster *coordinator.MemCluster, cfg common.Config) *Client {
	client, err := NewClient(cluster.Connect(), cfg)
	if err != nil {
		t.Fatalf("new client error: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func inc(current interface{}) (interface{}, error) {
	if current == nil {
		return float64(1), nil
	}
	return current.(float64) + 1, nil
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitSTMIdempotent(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	if err := client.InitSTM(); err != nil {
		t.Fatalf("first init error: %v", err)
	}
	if err := client.InitSTM(); err != nil {
		t.Fatalf("second init error: %v", err)
	}
}

func TestRefSeedAndDeref(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("answer", 42)
	if err != nil {
		t.Fatalf("ref init error: %v", err)
	}
	value, err := ref.Deref()
	if err != nil {
		t.Fatalf("deref error: %v", err)
	}
	if value != float64(42) {
		t.Fatalf("expected 42, got %v", value)
	}
	// a second client sees the committed seed, not a new one
	other := newTestClient(t, cluster, testConfig())
	sameRef, err := other.RefWithInit("answer", 7)
	if err != nil {
		t.Fatalf("ref init error: %v", err)
	}
	value, err = sameRef.Deref()
	if err != nil {
		t.Fatalf("deref error: %v", err)
	}
	if value != float64(42) {
		t.Fatalf("re-init clobbered existing value: %v", value)
	}
}

// 25 concurrent transactions each append their increment of a counter to a
// shared log. The counter must reach 25 and the log must be a permutation
// of 1..25.
func TestCounterAndLogInvariant(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	setup := newTestClient(t, cluster, testConfig())
	if _, err := setup.RefWithInit("cnt", 0); err != nil {
		t.Fatalf("seed cnt error: %v", err)
	}
	if _, err := setup.RefWithInit("log", []interface{}{}); err != nil {
		t.Fatalf("seed log error: %v", err)
	}

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := newTestClient(t, cluster, testConfig())
			cnt, err := client.Ref("cnt")
			if err != nil {
				errs <- err
				return
			}
			logRef, err := client.Ref("log")
			if err != nil {
				errs <- err
				return
			}
			errs <- client.RunInTransaction(context.Background(), func(txn *Txn) error {
				next, err := txn.Alter(cnt, inc)
				if err != nil {
					return err
				}
				_, err = txn.Alter(logRef, func(current interface{}) (interface{}, error) {
					return append(current.([]interface{}), next), nil
				})
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction error: %v", err)
		}
	}

	cnt, _ := setup.Ref("cnt")
	logRef, _ := setup.Ref("log")
	cntValue, err := cnt.Deref()
	if err != nil {
		t.Fatalf("deref cnt error: %v", err)
	}
	if cntValue != float64(n) {
		t.Fatalf("expected counter %d, got %v", n, cntValue)
	}
	logValue, err := logRef.Deref()
	if err != nil {
		t.Fatalf("deref log error: %v", err)
	}
	entries := logValue.([]interface{})
	if len(entries) != n {
		t.Fatalf("expected %d log entries, got %d", n, len(entries))
	}
	seen := make(map[float64]bool)
	for _, entry := range entries {
		seen[entry.(float64)] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[float64(i)] {
			t.Fatalf("log is not a permutation of 1..%d: missing %d (%v)", n, i, entries)
		}
	}
}

// Both refs move together or not at all.
func TestTwoRefCoupledIncrement(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	setup := newTestClient(t, cluster, testConfig())
	if _, err := setup.RefWithInit("a", 0); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	if _, err := setup.RefWithInit("b", 0); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := newTestClient(t, cluster, testConfig())
			a, _ := client.Ref("a")
			b, _ := client.Ref("b")
			errs <- client.RunInTransaction(context.Background(), func(txn *Txn) error {
				if _, err := txn.Alter(a, inc); err != nil {
					return err
				}
				_, err := txn.Alter(b, inc)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction error: %v", err)
		}
	}
	a, _ := setup.Ref("a")
	b, _ := setup.Ref("b")
	aValue, _ := a.Deref()
	bValue, _ := b.Deref()
	if aValue != float64(n) || bValue != float64(n) {
		t.Fatalf("expected a=b=%d, got a=%v b=%v", n, aValue, bValue)
	}
}

// A transaction reads its own staged writes.
func TestCrossRefDerivedValue(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	a, err := client.RefWithInit("a", 1)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	b, err := client.RefWithInit("b", 10)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	const k = 3
	for i := 0; i < k; i++ {
		err := client.RunInTransaction(context.Background(), func(txn *Txn) error {
			if _, err := txn.Alter(a, inc); err != nil {
				return err
			}
			aValue, err := txn.Deref(a)
			if err != nil {
				return err
			}
			bValue, err := txn.Deref(b)
			if err != nil {
				return err
			}
			return txn.Set(b, aValue.(float64)+bValue.(float64))
		})
		if err != nil {
			t.Fatalf("transaction error: %v", err)
		}
	}
	aValue, _ := a.Deref()
	bValue, _ := b.Deref()
	if aValue != float64(1+k) {
		t.Fatalf("expected a=%d, got %v", 1+k, aValue)
	}
	expected := float64(10)
	for i := 1; i <= k; i++ {
		expected += float64(1 + i)
	}
	if bValue != expected {
		t.Fatalf("expected b=%v, got %v", expected, bValue)
	}
}

func TestValidatorRejection(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("guarded", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	ref.SetValidator(func(value interface{}) bool {
		return value.(float64) >= 0
	})
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		return txn.Set(ref, -1)
	})
	if ErrorCode(err) != ERROR_ValidatorFailure {
		t.Fatalf("expected ValidatorFailure, got %v", err)
	}
	value, err := ref.Deref()
	if err != nil {
		t.Fatalf("deref error: %v", err)
	}
	if value != float64(0) {
		t.Fatalf("rejected write leaked: %v", value)
	}
}

func TestMutationOutsideTransaction(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("r", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	var leaked *Txn
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		leaked = txn
		return txn.Set(ref, 1)
	})
	if err != nil {
		t.Fatalf("transaction error: %v", err)
	}
	if err := leaked.Set(ref, 2); ErrorCode(err) != ERROR_NoActiveTransaction {
		t.Fatalf("expected NoActiveTransaction, got %v", err)
	}
	if _, err := leaked.Deref(ref); ErrorCode(err) != ERROR_NoActiveTransaction {
		t.Fatalf("expected NoActiveTransaction, got %v", err)
	}
}

// A writer that dies with its session after locking but before writing any
// version entries must not block other committers, and must leave no trace
// in either ref's history.
func TestSessionLossMidCommit(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	survivor := newTestClient(t, cluster, testConfig())
	x, err := survivor.RefWithInit("x", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	y, err := survivor.RefWithInit("y", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}

	casualty, err := NewClient(cluster.Connect(), testConfig())
	if err != nil {
		t.Fatalf("new client error: %v", err)
	}
	deadID, err := casualty.createTxn()
	if err != nil {
		t.Fatalf("create txn error: %v", err)
	}
	if err := casualty.setTxnState(deadID, TxnCommitting); err != nil {
		t.Fatalf("set state error: %v", err)
	}
	// acquire both writer locks, then die before writing any versions
	xDead, err := casualty.Ref("x")
	if err != nil {
		t.Fatalf("ref error: %v", err)
	}
	yDead, err := casualty.Ref("y")
	if err != nil {
		t.Fatalf("ref error: %v", err)
	}
	if _, err := xDead.lock.WriteLock(context.Background()); err != nil {
		t.Fatalf("write lock error: %v", err)
	}
	if _, err := yDead.lock.WriteLock(context.Background()); err != nil {
		t.Fatalf("write lock error: %v", err)
	}
	if err := casualty.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	err = survivor.RunInTransaction(context.Background(), func(txn *Txn) error {
		if err := txn.Set(x, 1); err != nil {
			return err
		}
		return txn.Set(y, 2)
	})
	if err != nil {
		t.Fatalf("survivor transaction error: %v", err)
	}
	for _, ref := range []*Ref{x, y} {
		versions, err := ref.container.Versions()
		if err != nil {
			t.Fatalf("versions error: %v", err)
		}
		for _, version := range versions {
			if version == deadID {
				t.Fatalf("ref %s carries a version tagged by the dead transaction", ref.name)
			}
		}
	}
	xValue, _ := x.Deref()
	yValue, _ := y.Deref()
	if xValue != float64(1) || yValue != float64(2) {
		t.Fatalf("survivor commit lost: x=%v y=%v", xValue, yValue)
	}
}

func TestMaxRetriesOneSurfacesExhaustion(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	cfg := testConfig()
	cfg.MaxRetries = 1
	loser := newTestClient(t, cluster, cfg)
	winner := newTestClient(t, cluster, testConfig())
	loserRef, err := loser.RefWithInit("contended", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	winnerRef, err := winner.Ref("contended")
	if err != nil {
		t.Fatalf("ref error: %v", err)
	}

	interfered := false
	err = loser.RunInTransaction(context.Background(), func(txn *Txn) error {
		if _, err := txn.Deref(loserRef); err != nil {
			return err
		}
		if !interfered {
			interfered = true
			err := winner.RunInTransaction(context.Background(), func(other *Txn) error {
				return other.Set(winnerRef, 100)
			})
			if err != nil {
				return err
			}
		}
		return txn.Set(loserRef, 50)
	})
	if ErrorCode(err) != ERROR_RetryExhausted {
		t.Fatalf("expected TransactionRetryExhausted, got %v", err)
	}
	value, _ := loserRef.Deref()
	if value != float64(100) {
		t.Fatalf("winner's write lost: %v", value)
	}
}

func TestHistoryRetentionOneStaleRead(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	cfg := testConfig()
	cfg.HistoryRetention = 1
	reader := newTestClient(t, cluster, cfg)
	writer := newTestClient(t, cluster, cfg)
	readerRef, err := reader.RefWithInit("hot", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	writerRef, err := writer.Ref("hot")
	if err != nil {
		t.Fatalf("ref error: %v", err)
	}

	err = reader.RunInTransaction(context.Background(), func(txn *Txn) error {
		// two commits land after this read point; retention 1 prunes
		// everything the read point could use
		for i := 0; i < 2; i++ {
			err := writer.RunInTransaction(context.Background(), func(other *Txn) error {
				_, err := other.Alter(writerRef, inc)
				return err
			})
			if err != nil {
				return err
			}
		}
		_, err := txn.Deref(readerRef)
		return err
	})
	if ErrorCode(err) != ERROR_StaleRead {
		t.Fatalf("expected StaleRead, got %v", err)
	}
}

func TestWatchFiresAfterCommit(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("watched", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	type pair struct{ oldValue, newValue interface{} }
	var mu sync.Mutex
	var fired []pair
	ref.AddWatch("k", func(oldValue, newValue interface{}) {
		mu.Lock()
		fired = append(fired, pair{oldValue, newValue})
		mu.Unlock()
	})
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		return txn.Set(ref, 5)
	})
	if err != nil {
		t.Fatalf("transaction error: %v", err)
	}
	waitUntil(t, 2*time.Second, "watch to fire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if fired[0].oldValue != float64(0) || fired[0].newValue != float64(5) {
		t.Fatalf("unexpected watch pair: %+v", fired[0])
	}
}

func TestPanickingWatchDoesNotPoisonCommit(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("bomb", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	ref.AddWatch("boom", func(oldValue, newValue interface{}) {
		panic("watch exploded")
	})
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		return txn.Set(ref, 1)
	})
	if err != nil {
		t.Fatalf("commit poisoned by watch: %v", err)
	}
	// a later commit still works: the dispatcher survived
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		return txn.Set(ref, 2)
	})
	if err != nil {
		t.Fatalf("dispatcher died after watch panic: %v", err)
	}
	value, _ := ref.Deref()
	if value != float64(2) {
		t.Fatalf("expected 2, got %v", value)
	}
}

func TestReadOnlyTransaction(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("ro", 9)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	var observed interface{}
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		value, err := txn.Deref(ref)
		observed = value
		return err
	})
	if err != nil {
		t.Fatalf("read-only transaction error: %v", err)
	}
	if observed != float64(9) {
		t.Fatalf("expected 9, got %v", observed)
	}
}

func TestCleanupHistory(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	ref, err := client.RefWithInit("churn", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	for i := 0; i < 5; i++ {
		err := client.RunInTransaction(context.Background(), func(txn *Txn) error {
			_, err := txn.Alter(ref, inc)
			return err
		})
		if err != nil {
			t.Fatalf("transaction error: %v", err)
		}
	}
	if err := client.CleanupHistory(1); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}
	children, err := client.conn.Children(client.historyRoot())
	if err != nil {
		t.Fatalf("children error: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 retained record, got %v", children)
	}
	// entries tagged by cleaned-up transactions still read as committed
	value, err := ref.Deref()
	if err != nil {
		t.Fatalf("deref after cleanup error: %v", err)
	}
	if value != float64(5) {
		t.Fatalf("expected 5, got %v", value)
	}
}

func TestResetSTM(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	if _, err := client.RefWithInit("doomed", 1); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	if err := client.ResetSTM(); err != nil {
		t.Fatalf("reset error: %v", err)
	}
	ref, err := client.RefWithInit("doomed", 2)
	if err != nil {
		t.Fatalf("ref after reset error: %v", err)
	}
	value, err := ref.Deref()
	if err != nil {
		t.Fatalf("deref error: %v", err)
	}
	if value != float64(2) {
		t.Fatalf("old state survived reset: %v", value)
	}
}

// The transaction machinery is backend-agnostic: swap in node-local
// containers and the protocol still holds within one process.
func TestLocalContainerBackend(t *testing.T) {
	cluster := coordinator.NewMemCluster()
	client := newTestClient(t, cluster, testConfig())
	client.SetContainerFactory(func(_ coordinator.Conn, refName string, _ string, retention int) statestore.StateContainer {
		return statestore.NewLocalContainer("backend-test-"+refName, retention)
	})
	ref, err := client.RefWithInit("localref", 0)
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}
	err = client.RunInTransaction(context.Background(), func(txn *Txn) error {
		_, err := txn.Alter(ref, inc)
		return err
	})
	if err != nil {
		t.Fatalf("transaction error: %v", err)
	}
	value, err := ref.Deref()
	if err != nil {
		t.Fatalf("deref error: %v", err)
	}
	if value != float64(1) {
		t.Fatalf("expected 1, got %v", value)
	}
}
