// Package input enumerates the images to run through the network, either
// from a listfile or from an LMDB database of Caffe datums.
package input

import (
	"github.com/23skdu/longbow-featex/internal/caffe"
)

// Record is one input item. Exactly one of Path and Datum is set.
type Record struct {
	Path  string
	Datum *caffe.Datum
	Label int32

	// Group is the sequence identifier, valid when HasGroup is set.
	Group    string
	HasGroup bool

	// Ref names the record in logs and errors: "list.txt:12" or the LMDB key.
	Ref string
}

// Source yields records in enumeration order. Next returns io.EOF once all
// Len records have been produced.
type Source interface {
	Len() int
	Next() (Record, error)
	Close() error
}
