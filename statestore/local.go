package statestore

import "sync"

// LocalContainer keeps version chains in process memory, shared across refs
// with the same name on one host. It provides no distribution; it exists for
// benchmarking the transaction machinery and for same-process tests.
type LocalContainer struct {
	state     *localState
	retention int
}

type localState struct {
	mu       sync.Mutex
	versions []uint64 // ascending
	data     map[uint64][]byte
}

var (
	localRegistryMu sync.Mutex
	localRegistry   = make(map[string]*localState)
)

func NewLocalContainer(name string, retention int) *LocalContainer {
	localRegistryMu.Lock()
	defer localRegistryMu.Unlock()
	state, exists := localRegistry[name]
	if !exists {
		state = &localState{data: make(map[uint64][]byte)}
		localRegistry[name] = state
	}
	return &LocalContainer{state: state, retention: retention}
}

func (c *LocalContainer) Init() error {
	return nil
}

func (c *LocalContainer) GetState(version uint64) ([]byte, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, exists := s.data[version]; exists {
		return append([]byte(nil), data...), nil
	}
	if len(s.versions) > 0 && version < s.versions[0] {
		return nil, ErrStaleRead
	}
	return nil, ErrNotFound
}

func (c *LocalContainer) SetState(data []byte, version uint64) error {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[version]; exists {
		return nil
	}
	s.data[version] = append([]byte(nil), data...)
	idx := len(s.versions)
	for idx > 0 && s.versions[idx-1] > version {
		idx--
	}
	s.versions = append(s.versions, 0)
	copy(s.versions[idx+1:], s.versions[idx:])
	s.versions[idx] = version
	if c.retention > 0 {
		for len(s.versions) > c.retention {
			delete(s.data, s.versions[0])
			s.versions = s.versions[1:]
		}
	}
	return nil
}

func (c *LocalContainer) Versions() ([]uint64, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.versions...), nil
}

func (c *LocalContainer) Destroy() error {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = nil
	s.data = make(map[uint64][]byte)
	return nil
}
