package stm

import (
	"context"
	"sync"

	"github.com/The-Alchemist/avout/common"
	"github.com/The-Alchemist/avout/coordinator"
	"github.com/The-Alchemist/avout/statestore"
	dsync "github.com/The-Alchemist/avout/sync"
)

// WatchFn is a post-commit callback. It observes the before/after value pair
// of one mutation; it is not part of the atomic visibility boundary.
type WatchFn func(oldValue, newValue interface{})

// Validator is a pure predicate over a prospective new value. Returning
// false fails the mutation with a ValidatorFailure.
type Validator func(value interface{}) bool

// Ref is a named distributed cell whose mutations are transactional across
// the cluster. Reads and writes inside a transaction go through the
// transaction handle; Deref without a handle reads the latest committed
// value.
type Ref struct {
	client    *Client
	name      string
	path      string
	container statestore.StateContainer
	lock      *dsync.Lock

	mu        sync.Mutex
	validator Validator
	watches   map[string]WatchFn
}

// Ref materializes the named ref's subtree and returns a handle. Handles are
// cached per client.
func (c *Client) Ref(name string) (*Ref, error) {
	c.mu.Lock()
	if ref, exists := c.refs[name]; exists {
		c.mu.Unlock()
		return ref, nil
	}
	makeContainer := c.makeContainer
	c.mu.Unlock()

	path := c.refPath(name)
	for _, sub := range []string{path, path + "/txn", path + "/lock"} {
		if err := coordinator.EnsurePath(c.conn, sub); err != nil {
			return nil, translateCoordinatorError(err)
		}
	}
	ref := &Ref{
		client:    c,
		name:      name,
		path:      path,
		container: makeContainer(c.conn, name, path+"/history", c.cfg.HistoryRetention),
		lock:      dsync.New(c.conn, path+"/lock"),
		watches:   make(map[string]WatchFn),
	}
	if err := ref.container.Init(); err != nil {
		return nil, translateCoordinatorError(err)
	}
	c.mu.Lock()
	if existing, exists := c.refs[name]; exists {
		c.mu.Unlock()
		return existing, nil
	}
	c.refs[name] = ref
	c.mu.Unlock()
	return ref, nil
}

// RefWithInit materializes the ref and, when its version chain is empty,
// seeds initValue through a one-shot transaction. A chain holding only
// entries of uncommitted transactions counts as non-empty and is not seeded.
func (c *Client) RefWithInit(name string, initValue interface{}) (*Ref, error) {
	ref, err := c.Ref(name)
	if err != nil {
		return nil, err
	}
	versions, err := ref.container.Versions()
	if err != nil {
		return nil, translateCoordinatorError(err)
	}
	if len(versions) > 0 {
		return ref, nil
	}
	err = c.RunInTransaction(context.Background(), func(txn *Txn) error {
		return txn.Set(ref, initValue)
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (r *Ref) Name() string { return r.name }

// Deref returns the latest committed value. Inside a transaction use
// Txn.Deref, which anchors at the transaction's read point instead.
func (r *Ref) Deref() (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.client.cfg.TransactionTimeout)
	defer cancel()
	handle, err := r.lock.ReadLock(ctx)
	if err != nil {
		return nil, mapContextError(err)
	}
	defer handle.Unlock()
	value, _, found, err := r.latestCommitted(^uint64(0))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return common.DeepCopy(value), nil
}

// latestCommitted resolves the most recent version at or below point whose
// transaction reached COMMITTED. Entries tagged by transactions in any other
// state are partial writes of an in-flight or dead committer and are
// skipped.
func (r *Ref) latestCommitted(point uint64) (interface{}, uint64, bool, error) {
	versions, err := r.container.Versions()
	if err != nil {
		return nil, 0, false, translateCoordinatorError(err)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		version := versions[i]
		if version > point {
			continue
		}
		state, err := r.client.txnState(version)
		if err != nil {
			return nil, 0, false, err
		}
		if state != TxnCommitted {
			continue
		}
		data, err := r.container.GetState(version)
		if err == statestore.ErrStaleRead {
			return nil, 0, false, newStaleReadError(r.name)
		}
		if err == statestore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, 0, false, translateCoordinatorError(err)
		}
		value, err := r.client.codec.Decode(data)
		if err != nil {
			return nil, 0, false, newRuntimeError(err.Error())
		}
		return value, version, true, nil
	}
	// A full chain whose oldest entry is past the read point means the
	// version this reader needs was pruned.
	if len(versions) > 0 && versions[0] > point &&
		len(versions) >= r.client.cfg.HistoryRetention {
		return nil, 0, false, newStaleReadError(r.name)
	}
	return nil, 0, false, nil
}

func (r *Ref) SetValidator(fn Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validator = fn
}

func (r *Ref) GetValidator() Validator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validator
}

// validate runs the validator, if any, against a prospective value.
func (r *Ref) validate(value interface{}) bool {
	fn := r.GetValidator()
	if fn == nil {
		return true
	}
	return fn(value)
}

func (r *Ref) AddWatch(key string, fn WatchFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches[key] = fn
}

func (r *Ref) RemoveWatch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, key)
}

// notifyWatches fires the watch set on the client's dispatcher goroutine
// with copies of the before/after values. Best effort: a failing callback
// never blocks or poisons a commit.
func (r *Ref) notifyWatches(oldValue, newValue interface{}) {
	r.mu.Lock()
	fns := make([]WatchFn, 0, len(r.watches))
	for _, fn := range r.watches {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	oldCopy := common.DeepCopy(oldValue)
	newCopy := common.DeepCopy(newValue)
	for _, fn := range fns {
		fn := fn
		r.client.dispatch(func() { fn(oldCopy, newCopy) })
	}
}

// Destroy tears down the ref's subtree. Outstanding transactions touching
// the ref will fail on their next coordinator round trip.
func (r *Ref) Destroy() error {
	if err := r.container.Destroy(); err != nil {
		return translateCoordinatorError(err)
	}
	if err := coordinator.DeleteRecursive(r.client.conn, r.path); err != nil {
		return translateCoordinatorError(err)
	}
	r.client.mu.Lock()
	delete(r.client.refs, r.name)
	r.client.mu.Unlock()
	return nil
}
