package coordinator

import "strings"

// EnsurePath creates every missing component of path, ignoring nodes that
// already exist. Safe to race with other clients.
func EnsurePath(conn Conn, path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	current := ""
	for _, part := range parts {
		current = current + "/" + part
		if _, err := conn.Create(current, nil, 0); err != nil && err != ErrNodeExists {
			return err
		}
	}
	return nil
}

// DeleteRecursive removes path and everything under it. Nodes created
// concurrently may survive; callers wanting a guarantee retry.
func DeleteRecursive(conn Conn, path string) error {
	children, err := conn.Children(path)
	if err == ErrNoNode {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(conn, path+"/"+child); err != nil {
			return err
		}
	}
	err = conn.Delete(path, -1)
	if err == ErrNoNode {
		return nil
	}
	return err
}

// SequenceNumber parses the trailing 10-digit counter a sequential create
// appended to name. The second return is false when name has no counter.
func SequenceNumber(name string) (uint64, bool) {
	if len(name) < 10 {
		return 0, false
	}
	suffix := name[len(name)-10:]
	var seq uint64
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
		seq = seq*10 + uint64(r-'0')
	}
	return seq, true
}

// BaseName returns the final component of a coordinator path.
func BaseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
