package input

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/PowerDNS/lmdb-go/lmdb"

	"github.com/23skdu/longbow-featex/internal/caffe"
	"github.com/23skdu/longbow-featex/internal/errdefs"
)

// LMDB is a Source over a Caffe image database. Entries are visited in key
// order inside a single read transaction.
type LMDB struct {
	env     *lmdb.Env
	txn     *lmdb.Txn
	cur     *lmdb.Cursor
	entries int
	seen    int
}

// OpenLMDB opens path read-only. path may be the database directory or the
// data.mdb file itself.
func OpenLMDB(path string) (*LMDB, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errdefs.Configf("open dataset: %v", err)
	}
	var flags uint = lmdb.Readonly | lmdb.NoLock
	if !info.IsDir() {
		flags |= lmdb.NoSubdir
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("lmdb env: %w", err)
	}
	if err := env.Open(path, flags, 0o644); err != nil {
		_ = env.Close()
		return nil, errdefs.Configf("open dataset %s: %v", path, err)
	}

	src := &LMDB{env: env}
	if err := src.begin(); err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

// begin pins the calling goroutine to its OS thread for the lifetime of the
// read transaction; Close releases it.
func (s *LMDB) begin() error {
	runtime.LockOSThread()
	txn, err := s.env.BeginTxn(nil, lmdb.Readonly)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("lmdb txn: %w", err)
	}
	s.txn = txn

	dbi, err := txn.OpenRoot(0)
	if err != nil {
		return fmt.Errorf("lmdb root: %w", err)
	}
	stat, err := txn.Stat(dbi)
	if err != nil {
		return fmt.Errorf("lmdb stat: %w", err)
	}
	s.entries = int(stat.Entries)

	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return fmt.Errorf("lmdb cursor: %w", err)
	}
	s.cur = cur
	return nil
}

// Len is the entry count from the database statistics.
func (s *LMDB) Len() int {
	return s.entries
}

func (s *LMDB) Next() (Record, error) {
	op := uint(lmdb.Next)
	if s.seen == 0 {
		op = lmdb.First
	}
	key, val, err := s.cur.Get(nil, nil, op)
	if lmdb.IsNotFound(err) {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, fmt.Errorf("lmdb cursor: %w", err)
	}
	s.seen++

	ref := string(key)
	d, err := caffe.UnmarshalDatum(val)
	if err != nil {
		return Record{}, errdefs.Decodef("%s: %v", ref, err)
	}
	if err := d.Validate(); err != nil {
		return Record{}, errdefs.Decodef("%s: %v", ref, err)
	}
	return Record{Datum: d, Label: d.Label, Ref: ref}, nil
}

func (s *LMDB) Close() error {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
	if s.txn != nil {
		s.txn.Abort()
		s.txn = nil
		runtime.UnlockOSThread()
	}
	if s.env != nil {
		err := s.env.Close()
		s.env = nil
		return err
	}
	return nil
}
