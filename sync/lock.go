// Package sync holds the distributed synchronization primitives the STM is
// built from. Locks queue as ephemeral sequential children of a coordinator
// node, so a crashed holder's session expiry releases everything it held.
package sync

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/The-Alchemist/avout/coordinator"
)

const (
	writePrefix = "write-"
	readPrefix  = "read-"
)

// Lock is a fair distributed read/write lock rooted at a coordinator path.
// Waiters are ordered FIFO by their sequence number: a writer proceeds when
// it owns the lowest sequence of any kind, a reader proceeds when no writer
// queued before it remains.
type Lock struct {
	conn coordinator.Conn
	path string
}

// Handle represents one granted (or queued) lock entry.
type Handle struct {
	conn coordinator.Conn
	path string
}

func New(conn coordinator.Conn, path string) *Lock {
	return &Lock{conn: conn, path: path}
}

// WriteLock blocks until exclusive ownership is granted or ctx is done.
func (l *Lock) WriteLock(ctx context.Context) (*Handle, error) {
	return l.acquire(ctx, writePrefix)
}

// ReadLock blocks until shared ownership is granted or ctx is done.
func (l *Lock) ReadLock(ctx context.Context) (*Handle, error) {
	return l.acquire(ctx, readPrefix)
}

func (l *Lock) enqueue(prefix string) (string, error) {
	created, err := l.conn.Create(l.path+"/"+prefix, nil,
		coordinator.FlagEphemeral|coordinator.FlagSequence)
	if err == coordinator.ErrNoNode {
		if err := coordinator.EnsurePath(l.conn, l.path); err != nil {
			return "", err
		}
		created, err = l.conn.Create(l.path+"/"+prefix, nil,
			coordinator.FlagEphemeral|coordinator.FlagSequence)
	}
	if err != nil {
		return "", errors.Wrap(err, "enqueue lock waiter")
	}
	return created, nil
}

func (l *Lock) acquire(ctx context.Context, prefix string) (*Handle, error) {
	created, err := l.enqueue(prefix)
	if err != nil {
		return nil, err
	}
	handle := &Handle{conn: l.conn, path: created}
	mySeq, ok := coordinator.SequenceNumber(coordinator.BaseName(created))
	if !ok {
		handle.Unlock()
		return nil, errors.Errorf("malformed lock node %s", created)
	}
	for {
		blocker, err := l.blockerFor(mySeq, prefix == writePrefix)
		if err != nil {
			handle.Unlock()
			return nil, err
		}
		if blocker == "" {
			return handle, nil
		}
		exists, _, events, err := l.conn.ExistsW(l.path + "/" + blocker)
		if err != nil {
			handle.Unlock()
			return nil, errors.Wrap(err, "watch lock predecessor")
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			handle.Unlock()
			return nil, ctx.Err()
		}
	}
}

// blockerFor returns the queue entry this waiter must watch, or "" when the
// lock is granted. Writers yield to any lower-sequence entry; readers yield
// only to lower-sequence writers. Only the nearest such entry is watched, so
// a release wakes the waiters blocked on it rather than the whole queue;
// every reader queued behind the same writer watches that writer.
func (l *Lock) blockerFor(mySeq uint64, write bool) (string, error) {
	children, err := l.conn.Children(l.path)
	if err != nil {
		return "", errors.Wrap(err, "list lock queue")
	}
	blockerName := ""
	blockerSeq := uint64(0)
	for _, name := range children {
		seq, ok := coordinator.SequenceNumber(name)
		if !ok || seq >= mySeq {
			continue
		}
		if !write && !strings.HasPrefix(name, writePrefix) {
			continue
		}
		if blockerName == "" || seq > blockerSeq {
			blockerName = name
			blockerSeq = seq
		}
	}
	return blockerName, nil
}

// Unlock releases the queue entry. Releasing an entry whose session already
// expired is a no-op.
func (h *Handle) Unlock() error {
	err := h.conn.Delete(h.path, -1)
	if err == coordinator.ErrNoNode {
		return nil
	}
	return err
}
