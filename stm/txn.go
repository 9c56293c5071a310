package stm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"time"

	"github.com/The-Alchemist/avout/common"
	"github.com/The-Alchemist/avout/coordinator"
	"github.com/The-Alchemist/avout/statestore"
	dsync "github.com/The-Alchemist/avout/sync"
)

// Txn is one transaction attempt. The block passed to RunInTransaction
// receives the handle and performs every ref operation through it; the
// handle is dead once the block returns. Reads anchor at the attempt's read
// point, writes stage in memory until commit.
type Txn struct {
	client    *Client
	ctx       context.Context
	id        uint64
	readPoint uint64
	active    bool

	refs   map[string]*Ref
	reads  map[string]uint64
	cache  map[string]interface{}
	writes map[string]interface{}
}

// AlterFn computes a ref's next value from its current one. The argument is
// a private copy; mutating it in place and returning it is fine.
type AlterFn func(current interface{}) (interface{}, error)

// RunInTransaction runs block as one atomic transaction, re-entering it on
// conflict until it commits, the retry ceiling is hit, or the deadline
// passes. The block must be free of side effects other than ref operations:
// it may run many times.
func (c *Client) RunInTransaction(ctx context.Context, block func(*Txn) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransactionTimeout)
	defer cancel()

	var start time.Time
	if c.commitStat != nil {
		start = time.Now()
	}
	lastID := uint64(0)
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return mapContextError(err)
		}
		id, err := c.createTxn()
		if err != nil {
			return err
		}
		lastID = id
		txn := &Txn{
			client:    c,
			ctx:       ctx,
			id:        id,
			readPoint: id,
			active:    true,
			refs:      make(map[string]*Ref),
			reads:     make(map[string]uint64),
			cache:     make(map[string]interface{}),
			writes:    make(map[string]interface{}),
		}
		err = runAttempt(txn, block)
		if err == nil {
			if c.commitStat != nil {
				c.recordCommitLatency(float64(time.Since(start).Microseconds()))
			}
			return nil
		}
		if isRetrySignal(err) {
			_ = c.setTxnState(id, TxnRetry)
			if !sleepBackoff(ctx, c.backoffDelay(attempt)) {
				return mapContextError(ctx.Err())
			}
			continue
		}
		_ = c.setTxnState(id, TxnAborted)
		return err
	}
	_ = c.setTxnState(lastID, TxnAborted)
	return newRetryExhaustedError(fmt.Sprintf("%d attempts", c.cfg.MaxRetries))
}

func runAttempt(txn *Txn, block func(*Txn) error) error {
	defer func() { txn.active = false }()
	if err := block(txn); err != nil {
		return err
	}
	return txn.commit()
}

func (txn *Txn) checkActive() error {
	if txn == nil || !txn.active {
		return newNoActiveTransactionError("ref operation outside an active transaction")
	}
	if err := txn.ctx.Err(); err != nil {
		return mapContextError(err)
	}
	return nil
}

func (txn *Txn) register(ref *Ref) {
	if _, exists := txn.refs[ref.name]; !exists {
		txn.refs[ref.name] = ref
	}
}

// Deref returns the ref's value as seen by this transaction: the staged
// write if one exists, else the cached snapshot, else the most recent
// committed version at or below the read point. Repeated reads of one ref
// observe the same value for the transaction's lifetime.
func (txn *Txn) Deref(ref *Ref) (interface{}, error) {
	if err := txn.checkActive(); err != nil {
		return nil, err
	}
	txn.register(ref)
	if value, exists := txn.cache[ref.name]; exists {
		return common.DeepCopy(value), nil
	}
	handle, err := ref.lock.ReadLock(txn.ctx)
	if err != nil {
		return nil, mapContextError(err)
	}
	value, version, found, err := ref.latestCommitted(txn.readPoint)
	handle.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		// The ref gained its first value after this read point; a fresh
		// attempt with a newer read point will see it.
		return nil, errRetryTransaction
	}
	txn.reads[ref.name] = version
	txn.cache[ref.name] = value
	return common.DeepCopy(value), nil
}

// Set stages value as the ref's new value. Nothing reaches the coordinator
// until commit.
func (txn *Txn) Set(ref *Ref, value interface{}) error {
	if err := txn.checkActive(); err != nil {
		return err
	}
	txn.register(ref)
	copied := common.DeepCopy(value)
	txn.writes[ref.name] = copied
	txn.cache[ref.name] = copied
	return nil
}

// Alter stages fn(currentValue) as the ref's new value and returns it.
func (txn *Txn) Alter(ref *Ref, fn AlterFn) (interface{}, error) {
	current, err := txn.Deref(ref)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := txn.Set(ref, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Commute is Alter: the commute optimization is not implemented, so commuted
// operations conflict-check like ordinary alters.
func (txn *Txn) Commute(ref *Ref, fn AlterFn) (interface{}, error) {
	return txn.Alter(ref, fn)
}

// ID returns the attempt's transaction id.
func (txn *Txn) ID() uint64 { return txn.id }

// ReadPoint returns the id the attempt's reads are anchored at.
func (txn *Txn) ReadPoint() uint64 { return txn.readPoint }

// commit drives the write-set through the publication protocol:
// writer locks in lexicographic ref order, read-set verification, validator
// checks, COMMITTING, version writes, COMMITTED, watches.
func (txn *Txn) commit() error {
	c := txn.client
	if len(txn.writes) == 0 {
		return c.setTxnState(txn.id, TxnCommitted)
	}

	names := make([]string, 0, len(txn.writes))
	for name := range txn.writes {
		names = append(names, name)
	}
	sort.Strings(names)

	// Encode up front so an encoding failure aborts before any intent is
	// published.
	encoded := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := c.codec.Encode(txn.writes[name])
		if err != nil {
			return newRuntimeError(err.Error())
		}
		encoded[name] = data
	}

	handles := make([]*dsync.Handle, 0, len(names))
	defer func() {
		for _, handle := range handles {
			handle.Unlock()
		}
	}()
	for _, name := range names {
		handle, err := txn.refs[name].lock.WriteLock(txn.ctx)
		if err != nil {
			return mapContextError(err)
		}
		handles = append(handles, handle)
	}

	for name := range txn.reads {
		ref := txn.refs[name]
		value, latest, found, err := ref.latestCommitted(^uint64(0))
		if err != nil {
			return err
		}
		if !found {
			// the chain this attempt read from is gone
			return errRetryTransaction
		}
		if latest == txn.reads[name] {
			continue
		}
		// Another transaction committed this ref after the attempt read it;
		// the attempt stands only if that commit left the value it read.
		data, err := ref.container.GetState(txn.reads[name])
		if err == statestore.ErrStaleRead || err == statestore.ErrNotFound {
			return errRetryTransaction
		}
		if err != nil {
			return translateCoordinatorError(err)
		}
		observed, err := c.codec.Decode(data)
		if err != nil {
			return newRuntimeError(err.Error())
		}
		if !reflect.DeepEqual(value, observed) {
			return errRetryTransaction
		}
	}

	oldValues := make(map[string]interface{}, len(names))
	for _, name := range names {
		ref := txn.refs[name]
		value, _, found, err := ref.latestCommitted(^uint64(0))
		if err != nil {
			return err
		}
		if found {
			oldValues[name] = value
		}
		if !ref.validate(txn.writes[name]) {
			return newValidatorFailureError(ref.name)
		}
	}

	if err := c.setTxnState(txn.id, TxnCommitting); err != nil {
		return err
	}
	markers := txn.placeWriterMarkers(names)
	for _, name := range names {
		if err := txn.refs[name].container.SetState(encoded[name], txn.id); err != nil {
			return translateCoordinatorError(err)
		}
	}
	if err := c.setTxnState(txn.id, TxnCommitted); err != nil {
		return err
	}
	txn.clearWriterMarkers(markers)

	for _, name := range names {
		txn.refs[name].notifyWatches(oldValues[name], txn.writes[name])
	}
	return nil
}

// placeWriterMarkers records this transaction as each ref's current writer.
// Markers are ephemeral: a committer that dies with its session leaves no
// stale writer attribution behind.
func (txn *Txn) placeWriterMarkers(names []string) []string {
	c := txn.client
	markers := make([]string, 0, len(names))
	for _, name := range names {
		path := fmt.Sprintf("%s/txn/%s%010d", txn.refs[name].path, txnNodePrefix, txn.id)
		if _, err := c.conn.Create(path, nil, coordinator.FlagEphemeral); err == nil {
			markers = append(markers, path)
		}
	}
	return markers
}

func (txn *Txn) clearWriterMarkers(markers []string) {
	for _, path := range markers {
		_ = txn.client.conn.Delete(path, -1)
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.RetryBackoffInitial
	for i := 0; i < attempt && delay < c.cfg.RetryBackoffMax; i++ {
		delay *= 2
	}
	if delay > c.cfg.RetryBackoffMax {
		delay = c.cfg.RetryBackoffMax
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepBackoff(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func mapContextError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return newTimeoutError("transaction deadline reached")
	case errors.Is(err, context.Canceled):
		return newRuntimeError("transaction canceled")
	default:
		return translateCoordinatorError(err)
	}
}
