package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitupdate/feed"
	"golang.org/x/crypto/blake2b"
)

// Db is the on-disk layout and chunking configuration of a chunk
// store.  Dir is the base directory. Depth is the number of
// subdirectory levels in the block dir.  We use three-character
// hexadecimal names for the subdirectories, giving us a maximum of
// 4096 subdirs in a parent dir.
type Db struct {
	Dir         string          // base of tree
	Depth       int             // number of subdir levels in block dir
	Poly        resticRabin.Pol // rabin polynomial for chunking
	MinSize     uint            // minimum chunk size
	MaxSize     uint            // maximum chunk size
	AverageBits int             // log2 of the average chunk size
}

type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// Open loads an existing db object from dir.
func Open(dir string) (db *Db, err error) {
	dir = filepath.Clean(dir)

	if !canstat(dir) {
		return nil, &NotDbError{Dir: dir}
	}

	// load config
	buf, err := ioutil.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, &NotDbError{Dir: dir}
	}
	db = &Db{}
	err = json.Unmarshal(buf, db)
	if err != nil {
		return
	}
	// the directory may have moved since creation
	db.Dir = dir
	return
}

// Create initializes a db directory and its contents.
func (db Db) Create() (out *Db, err error) {
	defer Return(&err)

	dir := filepath.Clean(db.Dir)
	db.Dir = dir

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	// set nesting depth
	if db.Depth < 1 {
		db.Depth = 2
	}

	err = mkdir(dir)
	Ck(err)

	// The block dir is where we store hashed blocks
	err = mkdir(filepath.Join(dir, "block"))
	Ck(err)

	// fill in chunker defaults so they are fixed for the life of the
	// store
	chunker, err := Rabin{Poly: db.Poly, MinSize: db.MinSize, MaxSize: db.MaxSize, AverageBits: db.AverageBits}.Init()
	Ck(err)
	db.Poly = chunker.Poly
	db.MinSize = chunker.MinSize
	db.MaxSize = chunker.MaxSize
	db.AverageBits = chunker.AverageBits

	buf, err := json.Marshal(db)
	Ck(err)
	err = renameio.WriteFile(filepath.Join(dir, "config.json"), buf, 0644)
	Ck(err)

	return &db, nil
}

func (db *Db) tmpFile() (fh *os.File, err error) {
	return ioutil.TempFile(db.Dir, "*.tmp")
}

// PutBlock stores buf in a file named after its hash.
func (db *Db) PutBlock(buf []byte) (path *Path, err error) {
	defer Return(&err)

	Assert(db != nil, "db is nil")

	file, err := CreateWorm(db, "block", Algo)
	Ck(err)
	n, err := file.Write(buf)
	Ck(err)
	Assert(n == len(buf), "short write")
	err = file.Close()
	Ck(err)

	return file.Path, nil
}

// BlockPath returns the path of the block with the given digest.
func (db *Db) BlockPath(digest []byte) (*Path, error) {
	return Path{}.New(db, fmt.Sprintf("block/%s/%s", Algo, bin2hex(digest)))
}

// GetBlock retrieves an entire block by reading its file contents.
func (db *Db) GetBlock(path *Path) (buf []byte, err error) {
	file, err := OpenWorm(db, path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.ReadAll()
}

// Rm deletes the file associated with a path and returns an error
// if the file doesn't exist.
func (db *Db) Rm(path *Path) (err error) {
	return os.Remove(path.Abs)
}

// Put is the outcome of PutIfAbsent.
type Put struct {
	Seq      uint64
	Inserted bool // false if the payload was already stored
}

// Store is a chunk store: blocks deduplicated by hash, numbered in
// insertion order by a signed feed.
type Store struct {
	Db   *Db
	Feed *feed.Feed

	blocks *BlockStorage
	mu     sync.Mutex
}

// OpenStore opens the chunk store in dir, creating it if dir is empty
// or missing.  A nil key creates (or reopens) a writable store; a
// non-nil key opens a replica of the store with that feed key.
func OpenStore(dir string, key []byte) (s *Store, err error) {
	defer Return(&err)

	db, err := Open(dir)
	if _, ok := err.(*NotDbError); ok {
		db, err = Db{Dir: dir}.Create()
	}
	Ck(err)

	blocks, err := OpenBlockStorage(db)
	Ck(err)
	f, err := feed.Open(blocks, key)
	if err != nil {
		blocks.Close()
		return nil, err
	}
	return &Store{Db: db, Feed: f, blocks: blocks}, nil
}

// Key returns the public key of the store's feed, which is the store's
// identity.
func (s *Store) Key() []byte {
	return s.Feed.Key()
}

// Len returns the number of chunks known to exist in the store.
func (s *Store) Len() uint64 {
	return s.Feed.Len()
}

// PutIfAbsent stores payload unless a chunk with the same digest is
// already stored, and returns the chunk's sequence number either way.
func (s *Store) PutIfAbsent(payload []byte) (put Put, err error) {
	digest := blake2b.Sum256(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok, err := s.blocks.Lookup(digest[:])
	if err != nil {
		return
	}
	if ok && seq < s.Feed.Len() {
		return Put{Seq: seq}, nil
	}
	seq, err = s.Feed.Append(payload)
	if err != nil {
		return
	}
	log.Debugf("chunk %d %x %d bytes", seq, digest[:4], len(payload))
	return Put{Seq: seq, Inserted: true}, nil
}

// Read returns the payload of chunk seq.  A replica first asks its
// sources whether seq exists at all and fails with feed.ErrNotFound if
// none has it; a chunk known to exist is fetched and waited for.
// Cancelling ctx aborts only this read.
func (s *Store) Read(ctx context.Context, seq uint64) ([]byte, error) {
	if s.Feed.Writable() {
		return s.Feed.Get(ctx, seq, feed.GetOptions{})
	}
	if seq >= s.Feed.Len() {
		err := s.Feed.Update(ctx, feed.UpdateOptions{IfAvailable: true})
		if err != nil {
			return nil, err
		}
		if seq >= s.Feed.Len() {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, feed.ErrNotFound
		}
	}
	return s.Feed.Get(ctx, seq, feed.GetOptions{Wait: true})
}

// Chunk splits rd into content-defined chunks and calls fn with each
// one in order.  The payload passed to fn is only valid until fn
// returns.
func (s *Store) Chunk(rd io.Reader, fn func(payload []byte) error) (err error) {
	chunker, err := Rabin{
		Poly:        s.Db.Poly,
		MinSize:     s.Db.MinSize,
		MaxSize:     s.Db.MaxSize,
		AverageBits: s.Db.AverageBits,
	}.Init()
	if err != nil {
		return
	}
	chunker.Start(rd)

	buf := make([]byte, chunker.MaxSize)
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		err = fn(chunk.Data)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the feed and the index.
func (s *Store) Close() error {
	return s.Feed.Close()
}
