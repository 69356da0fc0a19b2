package db

import (
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// file modes
const (
	READ  = 0444
	WRITE = 0644
)

// WORM is a write-once, read-many file.  A new WORM is written to a
// temporary file while its hash is computed; Close then moves it to
// the path named after that hash.  An existing WORM is read-only.
type WORM struct {
	Db *Db
	*Path
	writable bool
	fh       *os.File
	hash     hash.Hash
}

func CreateWorm(db *Db, class string, algo string) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{Db: db, writable: true}
	// we don't call Path.New() here 'cause there is no hash yet
	file.Path = &Path{Db: db, Class: class, Algo: algo}
	file.hash, err = newHash(algo)
	Ck(err)
	file.fh, err = db.tmpFile()
	Ck(err)
	return
}

func OpenWorm(db *Db, path *Path) (file *WORM, err error) {
	defer Return(&err)
	ErrnoIf(len(path.Abs) == 0, syscall.EINVAL, "empty path")
	file = &WORM{Db: db, Path: path}
	file.fh, err = os.Open(path.Abs)
	if err != nil {
		return nil, err
	}
	return
}

// Write feeds data into both the temporary file and the hash.
func (file *WORM) Write(data []byte) (n int, err error) {
	if !file.writable {
		err = fmt.Errorf("cannot write to existing object: %s", file.Path.Abs)
		return
	}
	file.hash.Write(data)
	return file.fh.Write(data)
}

func (file *WORM) Read(buf []byte) (n int, err error) {
	Assert(!file.writable, "read from unfinished file")
	return file.fh.Read(buf)
}

func (file *WORM) ReadAll() (buf []byte, err error) {
	return ioutil.ReadAll(file)
}

// Close finishes a new file by renaming it into place, or closes the
// handle of an existing one.
func (file *WORM) Close() (err error) {
	defer Return(&err)
	if file.fh == nil {
		return
	}
	if !file.writable {
		err = file.fh.Close()
		file.fh = nil
		return
	}

	tmpname := file.fh.Name()
	err = file.fh.Close()
	Ck(err)
	file.fh = nil
	file.writable = false

	// now that we know what the data's hash is, we can replace tmp
	// Path with permanent Path
	hexhash := bin2hex(file.hash.Sum(nil))
	canpath := fmt.Sprintf("%s/%s/%s", file.Path.Class, file.Path.Algo, hexhash)
	file.Path, err = Path{}.New(file.Db, canpath)
	Ck(err)

	if exists(file.Path.Abs) {
		// same hash, same content
		log.Debugf("%s already stored", canpath)
		return os.Remove(tmpname)
	}

	// make sure subdirs exist
	dir, _ := filepath.Split(file.Path.Abs)
	err = os.MkdirAll(dir, 0755)
	Ck(err)

	err = os.Chmod(tmpname, READ)
	Ck(err)
	err = os.Rename(tmpname, file.Path.Abs)
	Ck(err)
	return
}

var _ io.ReadWriteCloser = &WORM{}
