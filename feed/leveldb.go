package feed

import (
	"context"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/vmihailenco/msgpack"
)

var metaKey = ds.NewKey("/meta")

func entryKey(seq uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("/entries/%020d", seq))
}

// LevelStorage keeps a feed in a leveldb datastore.  It suits feeds of
// small records such as the release ledger.
type LevelStorage struct {
	Store *dslvl.Datastore
}

// NewLevelStorage opens or creates the datastore at path.
func NewLevelStorage(path string) (*LevelStorage, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStorage{Store: store}, nil
}

func (s *LevelStorage) Meta() (m *Meta, err error) {
	b, err := s.Store.Get(context.Background(), metaKey)
	if err == ds.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return
	}
	m = &Meta{}
	err = msgpack.Unmarshal(b, m)
	return
}

func (s *LevelStorage) PutMeta(m *Meta) error {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	return s.Store.Put(context.Background(), metaKey, b)
}

func (s *LevelStorage) Has(seq uint64) (bool, error) {
	return s.Store.Has(context.Background(), entryKey(seq))
}

func (s *LevelStorage) Entry(seq uint64) (e *Entry, err error) {
	b, err := s.Store.Get(context.Background(), entryKey(seq))
	if err == ds.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return
	}
	e = &Entry{}
	err = msgpack.Unmarshal(b, e)
	return
}

func (s *LevelStorage) PutEntry(seq uint64, e *Entry) error {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return s.Store.Put(context.Background(), entryKey(seq), b)
}

func (s *LevelStorage) Close() error {
	return s.Store.Close()
}
