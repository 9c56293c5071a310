package coordinator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemCluster is an in-process coordinator. All sessions obtained from one
// cluster share a single node tree; closing a session deletes its ephemeral
// nodes, which is how session-loss scenarios are exercised without a real
// ZooKeeper ensemble.
type MemCluster struct {
	mu          sync.Mutex
	root        *memNode
	nextSession int64
	// watches registered on paths that do not exist yet (ExistsW)
	pendingWatches map[string][]chan Event
}

type memNode struct {
	data           []byte
	version        int32
	children       map[string]*memNode
	nextSeq        int64
	ephemeralOwner int64
	watches        []chan Event
}

func NewMemCluster() *MemCluster {
	return &MemCluster{
		root:           &memNode{children: make(map[string]*memNode)},
		nextSession:    1,
		pendingWatches: make(map[string][]chan Event),
	}
}

// Connect opens a new session on the cluster.
func (mc *MemCluster) Connect() Conn {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	session := mc.nextSession
	mc.nextSession++
	return &memConn{cluster: mc, session: session}
}

type memConn struct {
	cluster *MemCluster
	mu      sync.Mutex
	closed  bool
	session int64
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("coordinator: path %q is not absolute", path)
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "/"), nil
}

func (mc *MemCluster) lookup(parts []string) *memNode {
	node := mc.root
	for _, part := range parts {
		child, exists := node.children[part]
		if !exists {
			return nil
		}
		node = child
	}
	return node
}

func fireWatches(watches []chan Event, ev Event) {
	for _, ch := range watches {
		ch <- ev
		close(ch)
	}
}

func (c *memConn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	return nil
}

func (c *memConn) Create(path string, data []byte, flags int32) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	parts, err := splitPath(path)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", ErrNodeExists
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	parent := mc.lookup(parts[:len(parts)-1])
	if parent == nil {
		return "", ErrNoNode
	}
	name := parts[len(parts)-1]
	if flags&FlagSequence != 0 {
		name = fmt.Sprintf("%s%010d", name, parent.nextSeq)
		parent.nextSeq++
	}
	if _, exists := parent.children[name]; exists {
		return "", ErrNodeExists
	}
	node := &memNode{
		data:     append([]byte(nil), data...),
		children: make(map[string]*memNode),
	}
	if flags&FlagEphemeral != 0 {
		node.ephemeralOwner = c.session
	}
	parent.children[name] = node
	createdPath := "/" + strings.Join(append(parts[:len(parts)-1], name), "/")
	if pending, exists := mc.pendingWatches[createdPath]; exists {
		fireWatches(pending, Event{Type: EventNodeCreated, Path: createdPath})
		delete(mc.pendingWatches, createdPath)
	}
	return createdPath, nil
}

func (c *memConn) Get(path string) ([]byte, Stat, error) {
	if err := c.checkOpen(); err != nil {
		return nil, Stat{}, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, Stat{}, err
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	node := mc.lookup(parts)
	if node == nil {
		return nil, Stat{}, ErrNoNode
	}
	return append([]byte(nil), node.data...), node.stat(), nil
}

func (c *memConn) GetW(path string) ([]byte, Stat, <-chan Event, error) {
	if err := c.checkOpen(); err != nil {
		return nil, Stat{}, nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, Stat{}, nil, err
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	node := mc.lookup(parts)
	if node == nil {
		return nil, Stat{}, nil, ErrNoNode
	}
	ch := make(chan Event, 1)
	node.watches = append(node.watches, ch)
	return append([]byte(nil), node.data...), node.stat(), ch, nil
}

func (c *memConn) Set(path string, data []byte, version int32) (Stat, error) {
	if err := c.checkOpen(); err != nil {
		return Stat{}, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return Stat{}, err
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	node := mc.lookup(parts)
	if node == nil {
		return Stat{}, ErrNoNode
	}
	if version >= 0 && node.version != version {
		return Stat{}, ErrBadVersion
	}
	node.data = append([]byte(nil), data...)
	node.version++
	watches := node.watches
	node.watches = nil
	fireWatches(watches, Event{Type: EventNodeDataChanged, Path: path})
	return node.stat(), nil
}

func (c *memConn) Delete(path string, version int32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return ErrNotEmpty
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.deleteLocked(parts, version)
}

func (mc *MemCluster) deleteLocked(parts []string, version int32) error {
	parent := mc.lookup(parts[:len(parts)-1])
	if parent == nil {
		return ErrNoNode
	}
	name := parts[len(parts)-1]
	node, exists := parent.children[name]
	if !exists {
		return ErrNoNode
	}
	if version >= 0 && node.version != version {
		return ErrBadVersion
	}
	if len(node.children) > 0 {
		return ErrNotEmpty
	}
	delete(parent.children, name)
	path := "/" + strings.Join(parts, "/")
	watches := node.watches
	node.watches = nil
	fireWatches(watches, Event{Type: EventNodeDeleted, Path: path})
	return nil
}

func (c *memConn) Children(path string) ([]string, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	node := mc.lookup(parts)
	if node == nil {
		return nil, ErrNoNode
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *memConn) Exists(path string) (bool, Stat, error) {
	if err := c.checkOpen(); err != nil {
		return false, Stat{}, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, Stat{}, err
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	node := mc.lookup(parts)
	if node == nil {
		return false, Stat{}, nil
	}
	return true, node.stat(), nil
}

func (c *memConn) ExistsW(path string) (bool, Stat, <-chan Event, error) {
	if err := c.checkOpen(); err != nil {
		return false, Stat{}, nil, err
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, Stat{}, nil, err
	}
	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	ch := make(chan Event, 1)
	node := mc.lookup(parts)
	if node == nil {
		mc.pendingWatches[path] = append(mc.pendingWatches[path], ch)
		return false, Stat{}, ch, nil
	}
	node.watches = append(node.watches, ch)
	return true, node.stat(), ch, nil
}

// Close ends the session and deletes every ephemeral node it owns, firing
// their watches, which mirrors ZooKeeper session expiry.
func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	mc := c.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	owned := make([][]string, 0)
	collectEphemerals(mc.root, nil, c.session, &owned)
	for _, parts := range owned {
		_ = mc.deleteLocked(parts, -1)
	}
	return nil
}

func collectEphemerals(node *memNode, parts []string, session int64, out *[][]string) {
	for name, child := range node.children {
		childParts := append(append([]string(nil), parts...), name)
		if child.ephemeralOwner == session {
			*out = append(*out, childParts)
		}
		collectEphemerals(child, childParts, session, out)
	}
}

func (n *memNode) stat() Stat {
	return Stat{Version: n.version, NumChildren: int32(len(n.children))}
}
