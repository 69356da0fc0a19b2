package db

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Path struct {
	Db    *Db
	Raw   string
	Abs   string // absolute
	Rel   string // relative
	Canon string // canonical
	Class string
	Algo  string
	Hash  string
}

// New parses an absolute, relative, or canonical path of an object
// in db.
func (path Path) New(db *Db, raw string) (res *Path, err error) {
	path.Db = db
	path.Raw = raw

	clean := filepath.ToSlash(filepath.Clean(raw))

	// remove db.Dir
	dir := filepath.ToSlash(path.Db.Dir) + "/"
	if strings.HasPrefix(clean, dir) {
		clean = strings.TrimPrefix(clean, dir)
	}

	// split into parts
	parts := strings.Split(clean, "/")
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed path: %s", raw)
	}
	path.Class = parts[0]
	path.Algo = parts[1]
	// the last part of the path is always the full hash, whether we
	// were given the full or canonical path
	path.Hash = parts[len(parts)-1]
	if len(path.Hash) < 3*path.Db.Depth {
		return nil, fmt.Errorf("malformed path: %s", raw)
	}

	// Rel uses the nesting depth described in the Db comments, with
	// the full hash as the last component.
	var subpath string
	for i := 0; i < path.Db.Depth; i++ {
		subdir := path.Hash[(3 * i):((3 * i) + 3)]
		subpath = filepath.Join(subpath, subdir)
	}
	path.Rel = filepath.Join(path.Class, path.Algo, subpath, path.Hash)
	path.Abs = filepath.Join(path.Db.Dir, path.Rel)
	path.Canon = strings.Join([]string{path.Class, path.Algo, path.Hash}, "/")

	return &path, nil
}
