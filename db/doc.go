/*
Package db is the chunk store: a content-addressable, deduplicating
store of immutable chunks, each reachable by the sequence number it was
given on first insertion.

Vocabulary:

  - abspath: absolute path on hard disk, including subdirs
  - relpath: path relative to db.Dir, including subdirs
  - canpath: canonical path; relpath without subdirs
  - hash: BLAKE2b-256 digest of a chunk payload, hex encoded
  - algo: name (string) describing hash algorithm
  - subdir: three-character hexadecimal segment of hash
  - subdirs: one or more subdir segments inserted in abspath or relpath
    in order to keep directory sizes small; the number of subdirs is fixed
    at database creation
  - block: one chunk; deduplication atom; stored as a write-once file
    named after its hash
  - seq: position of a block in the store's signed feed; assigned once,
    never reused
  - index: bbolt file mapping seq to hash and signature, and hash back
    to seq

The block files and the index together are the storage of a feed (see
package feed), so a sparse copy of a store can be filled in from peers
one verified block at a time.
*/
package db
