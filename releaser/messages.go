package releaser

import (
	"fmt"

	"github.com/vmihailenco/msgpack"
)

// Protocol tags the ledger header.
const Protocol = "pitupdate"

// Header is entry 0 of every ledger.  It names the chunk store that
// the ledger's releases refer to.
type Header struct {
	_msgpack     struct{} `msgpack:",asArray"`
	Protocol     string
	ChunkStoreID []byte
}

// Release describes one published version.  Chunks lists chunk store
// sequence numbers in payload order; concatenating their payloads
// yields the release stream.
type Release struct {
	_msgpack   struct{} `msgpack:",asArray"`
	Version    string   `json:"version"`
	DiffLength uint64   `json:"diffLength"` // bytes of chunks new in this release
	ByteLength uint64   `json:"byteLength"` // bytes of the whole release stream
	Chunks     []uint64 `json:"chunks"`
}

func (h *Header) Encode() ([]byte, error) {
	return msgpack.Marshal(h)
}

// DecodeHeader parses a ledger header and checks its protocol tag.
func DecodeHeader(buf []byte) (h *Header, err error) {
	h = &Header{}
	err = msgpack.Unmarshal(buf, h)
	if err != nil {
		return nil, err
	}
	if h.Protocol != Protocol {
		return nil, fmt.Errorf("unknown ledger protocol %q", h.Protocol)
	}
	return
}

func (r *Release) Encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

func DecodeRelease(buf []byte) (r *Release, err error) {
	r = &Release{}
	err = msgpack.Unmarshal(buf, r)
	if err != nil {
		return nil, err
	}
	return
}

func (r *Release) String() string {
	return fmt.Sprintf("%s (%d bytes, %d new, %d chunks)", r.Version, r.ByteLength, r.DiffLength, len(r.Chunks))
}
