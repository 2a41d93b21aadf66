package exporter

import (
	"context"
	"errors"
)

var (
	ErrMissingConfig  = errors.New("missing mandatory configuration")
	ErrConnect        = errors.New("cannot connect to database server")
	ErrCreateDatabase = errors.New("cannot create database")
	ErrNotInitialized = errors.New("exporter is not initialized")
)

// Exporter stores one metric sample per Export call in a document database.
//
// Initialize must succeed before Export is called. An error from Initialize
// is fatal for the caller. Export never reports failures to the caller, they
// are logged and the sample is dropped.
type Exporter interface {
	Initialize(ctx context.Context) error
	Export(ctx context.Context, name string, columns []string, points []any)
	Close(ctx context.Context) error
}
