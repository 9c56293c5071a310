package coordinator

import (
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

// zkConn adapts github.com/go-zookeeper/zk to the Conn interface.
type zkConn struct {
	conn *zk.Conn
}

// Dial opens a ZooKeeper session against the given endpoints.
func Dial(endpoints []string, sessionTimeout time.Duration) (Conn, error) {
	conn, _, err := zk.Connect(endpoints, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "connect to coordinator")
	}
	return &zkConn{conn: conn}, nil
}

func translateError(err error) error {
	switch err {
	case nil:
		return nil
	case zk.ErrNoNode:
		return ErrNoNode
	case zk.ErrNodeExists:
		return ErrNodeExists
	case zk.ErrBadVersion:
		return ErrBadVersion
	case zk.ErrNotEmpty:
		return ErrNotEmpty
	case zk.ErrSessionExpired:
		return ErrSessionExpired
	case zk.ErrConnectionClosed, zk.ErrClosing:
		return ErrConnectionClosed
	default:
		return err
	}
}

func translateStat(stat *zk.Stat) Stat {
	if stat == nil {
		return Stat{}
	}
	return Stat{Version: stat.Version, NumChildren: stat.NumChildren}
}

// translateEvents forwards the one-shot zk watch event.
func translateEvents(in <-chan zk.Event) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-in
		if !ok {
			return
		}
		switch ev.Type {
		case zk.EventNodeCreated:
			out <- Event{Type: EventNodeCreated, Path: ev.Path}
		case zk.EventNodeDeleted:
			out <- Event{Type: EventNodeDeleted, Path: ev.Path}
		case zk.EventNodeDataChanged:
			out <- Event{Type: EventNodeDataChanged, Path: ev.Path}
		default:
			// Session events also fire pending watches; surface them as a
			// deletion so waiters re-check instead of hanging.
			out <- Event{Type: EventNodeDeleted, Path: ev.Path}
		}
	}()
	return out
}

func (c *zkConn) Create(path string, data []byte, flags int32) (string, error) {
	created, err := c.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	return created, translateError(err)
}

func (c *zkConn) Get(path string) ([]byte, Stat, error) {
	data, stat, err := c.conn.Get(path)
	return data, translateStat(stat), translateError(err)
}

func (c *zkConn) GetW(path string) ([]byte, Stat, <-chan Event, error) {
	data, stat, ch, err := c.conn.GetW(path)
	if err != nil {
		return nil, Stat{}, nil, translateError(err)
	}
	return data, translateStat(stat), translateEvents(ch), nil
}

func (c *zkConn) Set(path string, data []byte, version int32) (Stat, error) {
	stat, err := c.conn.Set(path, data, version)
	return translateStat(stat), translateError(err)
}

func (c *zkConn) Delete(path string, version int32) error {
	return translateError(c.conn.Delete(path, version))
}

func (c *zkConn) Children(path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	return children, translateError(err)
}

func (c *zkConn) Exists(path string) (bool, Stat, error) {
	exists, stat, err := c.conn.Exists(path)
	return exists, translateStat(stat), translateError(err)
}

func (c *zkConn) ExistsW(path string) (bool, Stat, <-chan Event, error) {
	exists, stat, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, Stat{}, nil, translateError(err)
	}
	return exists, translateStat(stat), translateEvents(ch), nil
}

func (c *zkConn) Close() error {
	c.conn.Close()
	return nil
}
