package db

import (
	"path/filepath"
	"testing"
)

func TestPath(t *testing.T) {
	db := setup(t, nil)

	hash := "8c493568ac54458a4af24e2c1bba29707527544f20a71bbf7af811001d88a2e3"
	canpath := "block/blake2b/8c493568ac54458a4af24e2c1bba29707527544f20a71bbf7af811001d88a2e3"
	relpath := "block/blake2b/8c4/935/8c493568ac54458a4af24e2c1bba29707527544f20a71bbf7af811001d88a2e3"

	path, err := Path{}.New(db, canpath)
	tassert(t, err == nil, "%#v", err)

	expect := filepath.Join(db.Dir, relpath)
	got := path.Abs
	tassert(t, expect == got, "expected %s, got %s", expect, got)

	expect = canpath
	got = path.Canon
	tassert(t, expect == got, "expected %s, got %s", expect, got)

	expect = hash
	got = path.Hash
	tassert(t, expect == got, "expected %s, got %s", expect, got)

	// absolute paths parse back to the same object
	again, err := Path{}.New(db, path.Abs)
	tassert(t, err == nil, "%#v", err)
	tassert(t, again.Canon == canpath, "expected %s, got %s", canpath, again.Canon)

	_, err = Path{}.New(db, "block/8c4")
	tassert(t, err != nil, "expected malformed path error")
}
