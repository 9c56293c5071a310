package stm

import (
	"reflect"
	"sync"

	"github.com/The-Alchemist/avout/common"
	"github.com/The-Alchemist/avout/coordinator"
)

// Atom is a named distributed compare-and-set cell. Atoms hold no
// transaction state and do not participate in transactions; mutation is an
// optimistic loop against the data node's coordinator version.
type Atom struct {
	client   *Client
	name     string
	dataPath string

	mu        sync.Mutex
	validator Validator
	watches   map[string]WatchFn
}

// Atom materializes the named atom and returns a handle. Handles are cached
// per client. A fresh atom's value is nil until Reset or a successful swap.
func (c *Client) Atom(name string) (*Atom, error) {
	c.mu.Lock()
	if atom, exists := c.atoms[name]; exists {
		c.mu.Unlock()
		return atom, nil
	}
	c.mu.Unlock()

	path := c.atomPath(name)
	if err := coordinator.EnsurePath(c.conn, path); err != nil {
		return nil, translateCoordinatorError(err)
	}
	atom := &Atom{
		client:   c,
		name:     name,
		dataPath: path + "/data",
		watches:  make(map[string]WatchFn),
	}
	encoded, err := c.codec.Encode(nil)
	if err != nil {
		return nil, newRuntimeError(err.Error())
	}
	if _, err := c.conn.Create(atom.dataPath, encoded, 0); err != nil &&
		err != coordinator.ErrNodeExists {
		return nil, translateCoordinatorError(err)
	}
	c.mu.Lock()
	if existing, exists := c.atoms[name]; exists {
		c.mu.Unlock()
		return existing, nil
	}
	c.atoms[name] = atom
	c.mu.Unlock()
	return atom, nil
}

// AtomWithInit materializes the atom and seeds initValue with Reset when the
// atom holds no value yet.
func (c *Client) AtomWithInit(name string, initValue interface{}) (*Atom, error) {
	atom, err := c.Atom(name)
	if err != nil {
		return nil, err
	}
	current, err := atom.Deref()
	if err != nil {
		return nil, err
	}
	if current == nil {
		if err := atom.Reset(initValue); err != nil {
			return nil, err
		}
	}
	return atom, nil
}

func (a *Atom) Name() string { return a.name }

func (a *Atom) read() (interface{}, int32, error) {
	data, stat, err := a.client.conn.Get(a.dataPath)
	if err != nil {
		return nil, 0, translateCoordinatorError(err)
	}
	value, err := a.client.codec.Decode(data)
	if err != nil {
		return nil, 0, newRuntimeError(err.Error())
	}
	return value, stat.Version, nil
}

// Deref returns the atom's current value.
func (a *Atom) Deref() (interface{}, error) {
	value, _, err := a.read()
	if err != nil {
		return nil, err
	}
	return common.DeepCopy(value), nil
}

// Reset writes value unconditionally. The validator still applies.
func (a *Atom) Reset(value interface{}) error {
	value = common.DeepCopy(value)
	if !a.validate(value) {
		return newValidatorFailureError(a.name)
	}
	oldValue, _, err := a.read()
	if err != nil {
		return err
	}
	encoded, err := a.client.codec.Encode(value)
	if err != nil {
		return newRuntimeError(err.Error())
	}
	if _, err := a.client.conn.Set(a.dataPath, encoded, -1); err != nil {
		return translateCoordinatorError(err)
	}
	a.notifyWatches(oldValue, value)
	return nil
}

// CompareAndSet writes newValue iff the current value equals oldValue,
// conditioned on the data version observed during the read. Returns whether
// the write happened.
func (a *Atom) CompareAndSet(oldValue, newValue interface{}) (bool, error) {
	if !a.validate(newValue) {
		return false, newValidatorFailureError(a.name)
	}
	current, version, err := a.read()
	if err != nil {
		return false, err
	}
	if !valuesEqual(current, oldValue) {
		return false, nil
	}
	encoded, err := a.client.codec.Encode(newValue)
	if err != nil {
		return false, newRuntimeError(err.Error())
	}
	if _, err := a.client.conn.Set(a.dataPath, encoded, version); err != nil {
		if err == coordinator.ErrBadVersion {
			return false, nil
		}
		return false, translateCoordinatorError(err)
	}
	a.notifyWatches(current, newValue)
	return true, nil
}

// SwapFn computes the atom's next value from its current one. The argument
// is a private copy.
type SwapFn func(current interface{}) (interface{}, error)

// Swap loops read-compute-conditional-write until the write lands, then
// returns the value written.
func (a *Atom) Swap(fn SwapFn) (interface{}, error) {
	for {
		current, version, err := a.read()
		if err != nil {
			return nil, err
		}
		next, err := fn(common.DeepCopy(current))
		if err != nil {
			return nil, err
		}
		if !a.validate(next) {
			return nil, newValidatorFailureError(a.name)
		}
		encoded, err := a.client.codec.Encode(next)
		if err != nil {
			return nil, newRuntimeError(err.Error())
		}
		if _, err := a.client.conn.Set(a.dataPath, encoded, version); err != nil {
			if err == coordinator.ErrBadVersion {
				continue
			}
			return nil, translateCoordinatorError(err)
		}
		a.notifyWatches(current, next)
		return next, nil
	}
}

func (a *Atom) SetValidator(fn Validator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validator = fn
}

func (a *Atom) GetValidator() Validator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validator
}

func (a *Atom) validate(value interface{}) bool {
	fn := a.GetValidator()
	if fn == nil {
		return true
	}
	return fn(value)
}

func (a *Atom) AddWatch(key string, fn WatchFn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watches[key] = fn
}

func (a *Atom) RemoveWatch(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.watches, key)
}

func (a *Atom) notifyWatches(oldValue, newValue interface{}) {
	a.mu.Lock()
	fns := make([]WatchFn, 0, len(a.watches))
	for _, fn := range a.watches {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	oldCopy := common.DeepCopy(oldValue)
	newCopy := common.DeepCopy(newValue)
	for _, fn := range fns {
		fn := fn
		a.client.dispatch(func() { fn(oldCopy, newCopy) })
	}
}

// Destroy tears down the atom's subtree.
func (a *Atom) Destroy() error {
	if err := coordinator.DeleteRecursive(a.client.conn, a.client.atomPath(a.name)); err != nil {
		return translateCoordinatorError(err)
	}
	a.client.mu.Lock()
	delete(a.client.atoms, a.name)
	a.client.mu.Unlock()
	return nil
}

// valuesEqual compares two codec-representable values structurally, after
// normalizing through the codec's type universe (ints vs float64).
func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(common.DeepCopy(a), common.DeepCopy(b))
}
