package db

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitupdate/feed"
	"github.com/vmihailenco/msgpack"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketDigests = []byte("digests")
	bucketMeta    = []byte("meta")
	keyMeta       = []byte("meta")
)

type indexEntry struct {
	_msgpack  struct{} `msgpack:",asArray"`
	Digest    []byte
	Signature []byte
}

// BlockStorage stores feed entries as block files, with a bbolt index
// from seq to digest and signature and from digest back to seq.
type BlockStorage struct {
	Db   *Db
	bolt *bolt.DB
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// OpenBlockStorage opens or creates the index of db.
func OpenBlockStorage(db *Db) (s *BlockStorage, err error) {
	b, err := bolt.Open(filepath.Join(db.Dir, "index.db"), 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return
	}
	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketDigests, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return
	}
	return &BlockStorage{Db: db, bolt: b}, nil
}

func (s *BlockStorage) Meta() (m *feed.Meta, err error) {
	err = s.bolt.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketMeta).Get(keyMeta)
		if buf == nil {
			return nil
		}
		m = &feed.Meta{}
		return msgpack.Unmarshal(buf, m)
	})
	return
}

func (s *BlockStorage) PutMeta(m *feed.Meta) error {
	buf, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	return s.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyMeta, buf)
	})
}

func (s *BlockStorage) index(seq uint64) (ie *indexEntry, err error) {
	err = s.bolt.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketEntries).Get(seqKey(seq))
		if buf == nil {
			return nil
		}
		ie = &indexEntry{}
		return msgpack.Unmarshal(buf, ie)
	})
	return
}

func (s *BlockStorage) Has(seq uint64) (ok bool, err error) {
	ie, err := s.index(seq)
	if err != nil || ie == nil {
		return false, err
	}
	path, err := s.Db.BlockPath(ie.Digest)
	if err != nil {
		return
	}
	return exists(path.Abs), nil
}

// Entry reads the block of entry seq and checks it against the
// indexed digest.
func (s *BlockStorage) Entry(seq uint64) (e *feed.Entry, err error) {
	ie, err := s.index(seq)
	if err != nil {
		return
	}
	if ie == nil {
		return nil, feed.ErrNotFound
	}
	path, err := s.Db.BlockPath(ie.Digest)
	if err != nil {
		return
	}
	buf, err := s.Db.GetBlock(path)
	if os.IsNotExist(err) {
		return nil, feed.ErrNotFound
	}
	if err != nil {
		return
	}
	got, err := Hash(Algo, buf)
	if err != nil {
		return
	}
	if !bytes.Equal(got, ie.Digest) {
		return nil, &CorruptError{Seq: seq, Path: path.Abs}
	}
	return &feed.Entry{Payload: buf, Signature: ie.Signature}, nil
}

// PutEntry writes the block file first and indexes it second, so an
// interrupted put leaves at worst an unreferenced block.  An entry
// written before a crash, whose length was never saved, gets
// overwritten by the next append; its digest stops pointing at seq and
// its block is removed.
func (s *BlockStorage) PutEntry(seq uint64, e *feed.Entry) (err error) {
	path, err := s.Db.PutBlock(e.Payload)
	if err != nil {
		return
	}
	digest, err := hexDigest(path.Hash)
	if err != nil {
		return
	}
	buf, err := msgpack.Marshal(&indexEntry{Digest: digest, Signature: e.Signature})
	if err != nil {
		return
	}
	var orphan []byte
	err = s.bolt.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		digests := tx.Bucket(bucketDigests)
		if old := entries.Get(seqKey(seq)); old != nil {
			prev := &indexEntry{}
			if err := msgpack.Unmarshal(old, prev); err != nil {
				return err
			}
			v := digests.Get(prev.Digest)
			if !bytes.Equal(prev.Digest, digest) && v != nil && binary.BigEndian.Uint64(v) == seq {
				if err := digests.Delete(prev.Digest); err != nil {
					return err
				}
				orphan = append([]byte(nil), prev.Digest...)
			}
		}
		err := entries.Put(seqKey(seq), buf)
		if err != nil {
			return err
		}
		if digests.Get(digest) == nil {
			return digests.Put(digest, seqKey(seq))
		}
		return nil
	})
	if err != nil || orphan == nil {
		return
	}
	log.Warnf("entry %d overwritten, dropping block %x", seq, orphan[:4])
	old, perr := s.Db.BlockPath(orphan)
	if perr == nil {
		perr = s.Db.Rm(old)
	}
	if perr != nil && !os.IsNotExist(perr) {
		log.Warnf("removing block %x: %v", orphan[:4], perr)
	}
	return nil
}

// Lookup returns the sequence number of the block with digest.  A
// digest whose entry has since been overwritten is not found.
func (s *BlockStorage) Lookup(digest []byte) (seq uint64, ok bool, err error) {
	err = s.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDigests).Get(digest)
		if v == nil {
			return nil
		}
		buf := tx.Bucket(bucketEntries).Get(v)
		if buf == nil {
			return nil
		}
		ie := &indexEntry{}
		if err := msgpack.Unmarshal(buf, ie); err != nil {
			return err
		}
		if !bytes.Equal(ie.Digest, digest) {
			return nil
		}
		seq = binary.BigEndian.Uint64(v)
		ok = true
		return nil
	})
	return
}

func (s *BlockStorage) Close() error {
	return s.bolt.Close()
}

// CorruptError means a block file no longer matches its digest.
type CorruptError struct {
	Seq  uint64
	Path string
}

func (e *CorruptError) Error() string {
	return "corrupt block " + e.Path
}
