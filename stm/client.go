// Package stm implements a distributed software transactional memory on top
// of a coordination service. Named refs are mutated inside transactions that
// are atomic, consistent, and isolated across the cluster; named atoms are
// independent compare-and-set cells. The protocol is MVCC: each ref keeps a
// chain of versions tagged by committing transaction id, readers anchor at a
// read point, and writers serialize per ref through a distributed writer
// lock.
package stm

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/The-Alchemist/avout/common"
	"github.com/The-Alchemist/avout/coordinator"
	"github.com/The-Alchemist/avout/statestore"
)

const txnNodePrefix = "t-"

// ContainerFactory builds the versioned backing store for one ref. The
// default builds a coordinator-backed container under the ref's history
// node; alternatives (node-local, Redis) plug in here.
type ContainerFactory func(conn coordinator.Conn, refName string, historyPath string, retention int) statestore.StateContainer

// Client binds one coordinator session to an STM root. All refs, atoms, and
// transactions obtained from a Client share its session, codec, and config.
type Client struct {
	conn  coordinator.Conn
	cfg   common.Config
	codec common.Codec

	mu            sync.Mutex
	refs          map[string]*Ref
	atoms         map[string]*Atom
	makeContainer ContainerFactory

	watcherCh chan func()
	done      chan struct{}

	statMu     sync.Mutex
	commitStat *common.StatisticsCollector
}

func (c *Client) recordCommitLatency(sample float64) {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	c.commitStat.AddSample(sample)
}

// Connect opens a ZooKeeper session against endpoints and binds a client
// with default config, initializing the STM subtree if absent.
func Connect(endpoints []string, sessionTimeout time.Duration) (*Client, error) {
	cfg := common.DefaultConfig()
	if sessionTimeout > 0 {
		cfg.SessionTimeout = sessionTimeout
	}
	conn, err := coordinator.Dial(endpoints, cfg.SessionTimeout)
	if err != nil {
		return nil, newCoordinatorError(err)
	}
	return NewClient(conn, cfg)
}

// NewClient binds an already-open coordinator connection. The STM subtree is
// created if absent.
func NewClient(conn coordinator.Conn, cfg common.Config) (*Client, error) {
	cfg.FillDefaults()
	c := &Client{
		conn:      conn,
		cfg:       cfg,
		codec:     common.JSONCodec{},
		refs:      make(map[string]*Ref),
		atoms:     make(map[string]*Atom),
		watcherCh: make(chan func(), 64),
		done:      make(chan struct{}),
	}
	c.makeContainer = func(conn coordinator.Conn, _ string, historyPath string, retention int) statestore.StateContainer {
		return statestore.NewCoordinatorContainer(conn, historyPath, retention)
	}
	if common.SW_STAT == common.SWITCH_ON {
		c.commitStat = common.NewStatisticsCollector("txn commit (us)", 100, 10*time.Second)
	}
	exists, _, err := conn.Exists(cfg.STMRoot)
	if err != nil {
		return nil, newCoordinatorError(err)
	}
	if !exists {
		if err := c.InitSTM(); err != nil {
			return nil, err
		}
	}
	go c.watcherLoop()
	return c, nil
}

// SetContainerFactory swaps the backing-store implementation used for refs
// created after the call.
func (c *Client) SetContainerFactory(f ContainerFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.makeContainer = f
}

// SetCodec swaps the value codec. Must be called before any ref or atom is
// created; all clients of one STM root must agree on the codec.
func (c *Client) SetCodec(codec common.Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codec = codec
}

// InitSTM idempotently creates the STM subtree.
func (c *Client) InitSTM() error {
	for _, path := range []string{
		c.cfg.STMRoot,
		c.historyRoot(),
		c.refsRoot(),
		c.atomsRoot(),
	} {
		if err := coordinator.EnsurePath(c.conn, path); err != nil {
			return newCoordinatorError(err)
		}
	}
	return nil
}

// ResetSTM deletes and re-creates the subtree. Dangerous; for test harnesses.
func (c *Client) ResetSTM() error {
	if err := coordinator.DeleteRecursive(c.conn, c.cfg.STMRoot); err != nil {
		return newCoordinatorError(err)
	}
	c.mu.Lock()
	c.refs = make(map[string]*Ref)
	c.atoms = make(map[string]*Atom)
	c.mu.Unlock()
	return c.InitSTM()
}

// Close stops the watch dispatcher and closes the coordinator session.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

// Config returns a copy of the client's settings.
func (c *Client) Config() common.Config {
	return c.cfg
}

func (c *Client) historyRoot() string { return c.cfg.STMRoot + "/history" }
func (c *Client) refsRoot() string    { return c.cfg.STMRoot + "/refs" }
func (c *Client) atomsRoot() string   { return c.cfg.STMRoot + "/atoms" }

func (c *Client) refPath(name string) string  { return c.refsRoot() + "/" + name }
func (c *Client) atomPath(name string) string { return c.atomsRoot() + "/" + name }

func (c *Client) txnPath(id uint64) string {
	return fmt.Sprintf("%s/%s%010d", c.historyRoot(), txnNodePrefix, id)
}

// createTxn allocates a cluster-wide monotonic transaction id by creating a
// sequential child of the history root, initially RUNNING.
func (c *Client) createTxn() (uint64, error) {
	created, err := c.conn.Create(c.historyRoot()+"/"+txnNodePrefix,
		[]byte{byte(TxnRunning)}, coordinator.FlagSequence)
	if err != nil {
		return 0, translateCoordinatorError(err)
	}
	name := coordinator.BaseName(created)
	id, err := strconv.ParseUint(strings.TrimPrefix(name, txnNodePrefix), 10, 64)
	if err != nil {
		return 0, newRuntimeError("malformed transaction node " + created)
	}
	return id, nil
}

func (c *Client) setTxnState(id uint64, state TxnState) error {
	if _, err := c.conn.Set(c.txnPath(id), []byte{byte(state)}, -1); err != nil {
		return translateCoordinatorError(err)
	}
	return nil
}

// txnState reads a transaction's durable state. A missing node means the
// record was cleaned up, which only happens to terminal transactions, so it
// reads as COMMITTED: old history entries must stay interpretable.
func (c *Client) txnState(id uint64) (TxnState, error) {
	data, _, err := c.conn.Get(c.txnPath(id))
	if err == coordinator.ErrNoNode {
		return TxnCommitted, nil
	}
	if err != nil {
		return TxnAborted, translateCoordinatorError(err)
	}
	if len(data) != 1 {
		return TxnAborted, newRuntimeError(fmt.Sprintf("malformed transaction state for id %d", id))
	}
	return TxnState(data[0]), nil
}

// CleanupHistory lazily removes terminal transaction records, keeping the
// most recent keep entries. Non-terminal records are never removed: a
// COMMITTING record of a crashed client is what tells readers to skip its
// partial writes.
func (c *Client) CleanupHistory(keep int) error {
	children, err := c.conn.Children(c.historyRoot())
	if err != nil {
		return translateCoordinatorError(err)
	}
	ids := make([]uint64, 0, len(children))
	for _, name := range children {
		id, err := strconv.ParseUint(strings.TrimPrefix(name, txnNodePrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) <= keep {
		return nil
	}
	sortUint64s(ids)
	for _, id := range ids[:len(ids)-keep] {
		state, err := c.txnState(id)
		if err != nil {
			return err
		}
		if !state.terminal() {
			continue
		}
		if err := c.conn.Delete(c.txnPath(id), -1); err != nil &&
			err != coordinator.ErrNoNode {
			return translateCoordinatorError(err)
		}
	}
	return nil
}

func sortUint64s(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func translateCoordinatorError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordinator.ErrSessionExpired),
		errors.Is(err, coordinator.ErrConnectionClosed):
		return newSessionLostError(err.Error())
	default:
		return newCoordinatorError(err)
	}
}

// dispatch hands a watch callback to the dispatcher goroutine. Callbacks run
// isolated: a panic is logged and discarded, never reaching a committer.
func (c *Client) dispatch(fn func()) {
	select {
	case <-c.done:
	case c.watcherCh <- fn:
	}
}

func (c *Client) watcherLoop() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.watcherCh:
			runWatchCallback(fn)
		}
	}
}

func runWatchCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] watch callback panicked: %v", r)
		}
	}()
	fn()
}
