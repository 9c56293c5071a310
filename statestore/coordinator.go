package statestore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/The-Alchemist/avout/coordinator"
)

// CoordinatorContainer stores each version as a persistent sequential child
// of the ref's history node. The version tag rides in the child name
// (v<version>-<seq>), so one Children call enumerates the whole chain; the
// child data is the encoded value bytes.
type CoordinatorContainer struct {
	conn      coordinator.Conn
	path      string
	retention int
}

func NewCoordinatorContainer(conn coordinator.Conn, historyPath string, retention int) *CoordinatorContainer {
	return &CoordinatorContainer{conn: conn, path: historyPath, retention: retention}
}

type historyEntry struct {
	version uint64
	name    string
}

func parseHistoryName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "v") {
		return 0, false
	}
	dash := strings.IndexByte(name, '-')
	if dash < 0 {
		return 0, false
	}
	version, err := strconv.ParseUint(name[1:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return version, true
}

func (c *CoordinatorContainer) Init() error {
	return coordinator.EnsurePath(c.conn, c.path)
}

func (c *CoordinatorContainer) entries() ([]historyEntry, error) {
	children, err := c.conn.Children(c.path)
	if err == coordinator.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list history")
	}
	entries := make([]historyEntry, 0, len(children))
	for _, name := range children {
		version, ok := parseHistoryName(name)
		if !ok {
			continue
		}
		entries = append(entries, historyEntry{version: version, name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })
	return entries, nil
}

func (c *CoordinatorContainer) GetState(version uint64) ([]byte, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.version == version {
			data, _, err := c.conn.Get(c.path + "/" + entry.name)
			if err == coordinator.ErrNoNode {
				// pruned between the listing and the read
				return nil, ErrStaleRead
			}
			if err != nil {
				return nil, errors.Wrap(err, "read history entry")
			}
			return data, nil
		}
	}
	if len(entries) > 0 && version < entries[0].version {
		return nil, ErrStaleRead
	}
	return nil, ErrNotFound
}

func (c *CoordinatorContainer) SetState(data []byte, version uint64) error {
	entries, err := c.entries()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.version == version {
			return nil
		}
	}
	name := fmt.Sprintf("%s/v%d-", c.path, version)
	if _, err := c.conn.Create(name, data, coordinator.FlagSequence); err != nil {
		if err == coordinator.ErrNoNode {
			if err := c.Init(); err != nil {
				return err
			}
			_, err = c.conn.Create(name, data, coordinator.FlagSequence)
		}
		if err != nil {
			return errors.Wrap(err, "write history entry")
		}
	}
	return c.prune()
}

func (c *CoordinatorContainer) prune() error {
	if c.retention <= 0 {
		return nil
	}
	entries, err := c.entries()
	if err != nil {
		return err
	}
	for len(entries) > c.retention {
		if err := c.conn.Delete(c.path+"/"+entries[0].name, -1); err != nil &&
			err != coordinator.ErrNoNode {
			return errors.Wrap(err, "prune history entry")
		}
		entries = entries[1:]
	}
	return nil
}

func (c *CoordinatorContainer) Versions() ([]uint64, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	versions := make([]uint64, len(entries))
	for i, entry := range entries {
		versions[i] = entry.version
	}
	return versions, nil
}

func (c *CoordinatorContainer) Destroy() error {
	return coordinator.DeleteRecursive(c.conn, c.path)
}
