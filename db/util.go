package db

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"syscall"

	"golang.org/x/crypto/blake2b"
)

// Algo is the hash algorithm used for block names.
const Algo = "blake2b"

func newHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "blake2b":
		return blake2b.New256(nil)
	}
	return nil, fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
}

// Hash returns the binary digest of buf.
func Hash(algo string, buf []byte) (binhash []byte, err error) {
	h, err := newHash(algo)
	if err != nil {
		return
	}
	h.Write(buf)
	return h.Sum(nil), nil
}

func bin2hex(buf []byte) string {
	return hex.EncodeToString(buf)
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
	}
	return
}

func hexDigest(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
