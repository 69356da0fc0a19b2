package db

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/t7a/pitupdate/feed"
)

func TestGetBlock(t *testing.T) {
	db := setup(t, nil)
	val := mkbuf("somevalue")
	binhash, err := Hash(Algo, val)
	tassert(t, err == nil, "%v", err)
	path, err := db.BlockPath(binhash)
	tassert(t, err == nil, "%v", err)
	gotpath, err := db.PutBlock(val)
	tassert(t, err == nil, "%v", err)
	tassert(t, path.Canon == gotpath.Canon, "expected path %s, got %s", path.Canon, gotpath.Canon)
	got, err := db.GetBlock(path)
	tassert(t, err == nil, "%v", err)
	tassert(t, bytes.Equal(val, got), "expected %q, got %q", string(val), string(got))

	// writing the same block again is harmless
	_, err = db.PutBlock(val)
	tassert(t, err == nil, "%v", err)
}

func TestRm(t *testing.T) {
	db := setup(t, nil)
	path, err := db.PutBlock(mkbuf("somevalue"))
	tassert(t, err == nil, "%v", err)
	err = db.Rm(path)
	tassert(t, err == nil, "%v", err)
	got, err := db.GetBlock(path)
	tassert(t, err != nil, "block not deleted: %q", got)
}

func TestCreateExists(t *testing.T) {
	db := setup(t, nil)
	_, err := Db{Dir: db.Dir}.Create()
	_, ok := err.(*ExistsError)
	tassert(t, ok, "expected ExistsError, got %v", err)
}

func TestOpenNotDb(t *testing.T) {
	_, err := Open(tmpdir(t))
	_, ok := err.(*NotDbError)
	tassert(t, ok, "expected NotDbError, got %v", err)
}

func TestCreateDefaults(t *testing.T) {
	db := setup(t, nil)
	tassert(t, db.Depth == 2, "depth %d", db.Depth)
	tassert(t, db.Poly != 0, "no polynomial")
	tassert(t, db.MinSize == defMinSize, "min %d", db.MinSize)
	tassert(t, db.MaxSize == defMaxSize, "max %d", db.MaxSize)
	tassert(t, db.AverageBits == defAverageBits, "bits %d", db.AverageBits)
}

func TestPutIfAbsent(t *testing.T) {
	s := setupStore(t, nil)
	a := mkbuf("apple")
	b := mkbuf("banana")

	put, err := s.PutIfAbsent(a)
	tassert(t, err == nil, "%v", err)
	tassert(t, put.Inserted && put.Seq == 0, "first put %+v", put)

	put, err = s.PutIfAbsent(b)
	tassert(t, err == nil, "%v", err)
	tassert(t, put.Inserted && put.Seq == 1, "second put %+v", put)

	// same digest, same seq, nothing written
	put, err = s.PutIfAbsent(mkbuf("apple"))
	tassert(t, err == nil, "%v", err)
	tassert(t, !put.Inserted && put.Seq == 0, "dup put %+v", put)
	tassert(t, s.Len() == 2, "len %d", s.Len())

	got, err := s.Read(context.Background(), 1)
	tassert(t, err == nil, "%v", err)
	tassert(t, bytes.Equal(got, b), "got %q", got)
}

func TestReadNotFound(t *testing.T) {
	s := setupStore(t, nil)
	s.PutIfAbsent(mkbuf("apple"))
	_, err := s.Read(context.Background(), 7)
	tassert(t, errors.Is(err, feed.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestStoreReopen(t *testing.T) {
	s := setupStore(t, nil)
	dir := s.Db.Dir
	key := s.Key()
	s.PutIfAbsent(mkbuf("apple"))
	s.PutIfAbsent(mkbuf("banana"))
	err := s.Close()
	tassert(t, err == nil, "%v", err)

	s, err = OpenStore(dir, nil)
	tassert(t, err == nil, "%v", err)
	defer s.Close()
	tassert(t, bytes.Equal(s.Key(), key), "key changed")
	put, err := s.PutIfAbsent(mkbuf("banana"))
	tassert(t, err == nil, "%v", err)
	tassert(t, !put.Inserted && put.Seq == 1, "put after reopen %+v", put)
	put, err = s.PutIfAbsent(mkbuf("cherry"))
	tassert(t, err == nil, "%v", err)
	tassert(t, put.Inserted && put.Seq == 2, "put after reopen %+v", put)
}

func TestCorruptBlock(t *testing.T) {
	s := setupStore(t, nil)
	s.PutIfAbsent(mkbuf("apple"))
	binhash, _ := Hash(Algo, mkbuf("apple"))
	path, _ := s.Db.BlockPath(binhash)
	os.Chmod(path.Abs, 0644)
	err := os.WriteFile(path.Abs, mkbuf("apricot"), 0644)
	tassert(t, err == nil, "%v", err)
	_, err = s.Read(context.Background(), 0)
	_, ok := err.(*CorruptError)
	tassert(t, ok, "expected CorruptError, got %v", err)
}

// storeSource serves a store's feed entries to a replica.
type storeSource struct {
	s *Store
}

func (src *storeSource) Length(ctx context.Context, dkey []byte) (uint64, error) {
	return src.s.Len(), nil
}

func (src *storeSource) Entry(ctx context.Context, dkey []byte, seq uint64) (*feed.Entry, error) {
	return src.s.blocks.Entry(seq)
}

func TestReplica(t *testing.T) {
	origin := setupStore(t, nil)
	for _, s := range []string{"apple", "banana", "cherry"} {
		origin.PutIfAbsent(mkbuf(s))
	}

	replica, err := OpenStore(tmpdir(t), origin.Key())
	tassert(t, err == nil, "%v", err)
	defer replica.Close()
	tassert(t, !replica.Feed.Writable(), "replica is writable")

	replica.Feed.AddSource(&storeSource{s: origin})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := replica.Read(ctx, 2)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(got) == "cherry", "got %q", got)
	tassert(t, replica.Feed.Has(2), "chunk 2 not stored")
	tassert(t, !replica.Feed.Has(0), "chunk 0 fetched unasked")

	// a replica dedup lookup sees replicated chunks
	seq, ok, err := replica.blocks.Lookup(mustHash(t, "cherry"))
	tassert(t, err == nil && ok && seq == 2, "lookup seq %d ok %v err %v", seq, ok, err)
}

// stall claims one chunk and never delivers it.
type stall struct{}

func (stall) Length(ctx context.Context, dkey []byte) (uint64, error) {
	return 1, nil
}

func (stall) Entry(ctx context.Context, dkey []byte, seq uint64) (*feed.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReplicaCancel(t *testing.T) {
	origin := setupStore(t, nil)
	replica, err := OpenStore(tmpdir(t), origin.Key())
	tassert(t, err == nil, "%v", err)
	defer replica.Close()
	remove := replica.Feed.AddSource(stall{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = replica.Read(ctx, 0)
	tassert(t, errors.Is(err, context.DeadlineExceeded), "expected deadline, got %v", err)
	remove()

	// the store is still usable after an aborted read
	replica.Feed.AddSource(&storeSource{s: origin})
	origin.PutIfAbsent(mkbuf("late"))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	got, err := replica.Read(ctx2, 0)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(got) == "late", "got %q", got)
}

func TestReplicaReadBeyondEnd(t *testing.T) {
	origin := setupStore(t, nil)
	origin.PutIfAbsent(mkbuf("apple"))
	replica, err := OpenStore(tmpdir(t), origin.Key())
	tassert(t, err == nil, "%v", err)
	defer replica.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// no sources at all
	_, err = replica.Read(ctx, 0)
	tassert(t, errors.Is(err, feed.ErrNotFound), "expected ErrNotFound, got %v", err)

	// sources that do not have the chunk
	replica.Feed.AddSource(&storeSource{s: origin})
	_, err = replica.Read(ctx, 5)
	tassert(t, errors.Is(err, feed.ErrNotFound), "expected ErrNotFound, got %v", err)
	tassert(t, ctx.Err() == nil, "read waited for the deadline")

	got, err := replica.Read(ctx, 0)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(got) == "apple", "got %q", got)
}

func TestPutIfAbsentAfterCrash(t *testing.T) {
	s := setupStore(t, nil)
	dir := s.Db.Dir
	a := mkbuf("apple")
	b := mkbuf("banana")

	// an entry indexed before a crash that lost the saved length
	err := s.blocks.PutEntry(0, &feed.Entry{Payload: a, Signature: []byte("sig")})
	tassert(t, err == nil, "%v", err)
	err = s.Close()
	tassert(t, err == nil, "%v", err)

	s, err = OpenStore(dir, nil)
	tassert(t, err == nil, "%v", err)
	defer s.Close()
	tassert(t, s.Len() == 0, "len %d", s.Len())

	put, err := s.PutIfAbsent(b)
	tassert(t, err == nil, "%v", err)
	tassert(t, put.Inserted && put.Seq == 0, "put b %+v", put)

	// the overwritten digest no longer resolves to seq 0
	put, err = s.PutIfAbsent(a)
	tassert(t, err == nil, "%v", err)
	tassert(t, put.Inserted && put.Seq == 1, "put a %+v", put)
	tassert(t, s.Len() == 2, "len %d", s.Len())

	for seq, want := range [][]byte{b, a} {
		got, err := s.Read(context.Background(), uint64(seq))
		tassert(t, err == nil, "read %d: %v", seq, err)
		tassert(t, bytes.Equal(got, want), "read %d: got %q", seq, got)
	}
	seq, ok, err := s.blocks.Lookup(mustHash(t, "banana"))
	tassert(t, err == nil && ok && seq == 0, "lookup banana seq %d ok %v err %v", seq, ok, err)
}

func mustHash(t *testing.T, s string) []byte {
	binhash, err := Hash(Algo, mkbuf(s))
	tassert(t, err == nil, "%v", err)
	return binhash
}
