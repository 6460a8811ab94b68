package contentdir

import (
	"fmt"
	"strconv"
	"sync"
)

// idTable maps paths to dense integer ids. Entries are never removed, so
// an id stays valid for the lifetime of the directory.
type idTable struct {
	mu    sync.RWMutex
	ids   map[string]int
	paths []string
}

func newIDTable() *idTable {
	// Index 0 is the empty string.
	return &idTable{
		ids:   map[string]int{"": 0},
		paths: []string{""},
	}
}

func (t *idTable) id(path string) int {
	t.mu.RLock()
	id, ok := t.ids[path]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.ids[path]; ok {
		return id
	}
	id = len(t.paths)
	t.paths = append(t.paths, path)
	t.ids[path] = id
	return id
}

func (t *idTable) path(id int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id < 0 || id >= len(t.paths) {
		return "", false
	}
	return t.paths[id], true
}

// toObjectID returns the ObjectID for path. The root is "0" and the parent
// of the root is "-1".
func (t *idTable) toObjectID(path string) string {
	switch path {
	case "/":
		return "0"
	case "":
		return "-1"
	default:
		return strconv.Itoa(t.id(path))
	}
}

func (t *idTable) fromObjectID(id string) (string, bool) {
	switch id {
	case "0":
		return "/", true
	case "-1":
		return "", true
	}

	n, err := strconv.Atoi(id)
	if err != nil || n <= 0 {
		return "", false
	}
	return t.path(n)
}

// toQueryID returns the 8 hex digit id of an encoded query string.
func (t *idTable) toQueryID(query string) string {
	return fmt.Sprintf("%08x", t.id(query))
}

func (t *idTable) fromQueryID(id string) (string, bool) {
	if len(id) != 8 {
		return "", false
	}
	n, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return "", false
	}
	return t.path(int(n))
}
