/*

Pitupdate distributes application updates between peers and applies
them to a running installation.

A publisher packs each release of an application directory into a
deterministic tar stream, cuts the stream into content-defined chunks,
and stores every distinct chunk once in a chunk store.  A signed,
append-only ledger lists the releases, each as the ordered chunk
numbers that rebuild its stream.  Installed copies of the application
replicate the ledger and fetch only the chunks they do not have.

Vocabulary:

- chunk: content-defined piece of a release stream; deduplication atom
- chunk store: chunks numbered in insertion order, one per digest
- ledger: signed log of a header followed by release records
- header: ledger entry 0, naming the chunk store
- release: version plus the chunk numbers of its stream
- feed: signed append-only log; both the ledger and the chunk store
  are feeds
- discovery key: public name of a feed on the network
- unpacked: the latest downloaded release, extracted next to the app
- helper: detached process that swaps the unpacked release into place
  and relaunches the app

An application builds a Config, calls New, and watches the Upgrader's
events; UpdateAndRelaunch applies a downloaded update.

*/

package pitupdate
