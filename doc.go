// Package fileio provides a unified I/O layer over heterogeneous storage
// backends: URI-addressed files, streams, namespaced metadata, change
// notification and a mount-table reader.
//
// Composite operations live in subpackages: [github.com/gobeaver/fileio/job]
// copies, moves, deletes and trashes files with chunked progress and
// cooperative cancellation, and [github.com/gobeaver/fileio/dirmodel] keeps
// a live, diffable snapshot of a directory for any number of subscribers.
//
// # Backends
//
// A [Backend] claims URI schemes and resolves URIs into [File] handles.
// Backends are kept in an ordered [Registry]; the first backend whose
// scheme predicate matches wins:
//
//   - Local filesystem, file:// and bare paths (driver/local)
//   - In-memory, mem:// (driver/memory)
//   - Amazon S3 and compatible stores, s3://bucket/key (driver/s3)
//   - SFTP, sftp://host/path (driver/sftp)
//   - ZIP archives, read-only, zip:///archive.zip!/entry (driver/zip)
//   - Badger key-value store, kv:// (driver/kv)
//
// Each driver registers a factory on import, so a configured registry is
// built with:
//
//	import (
//	    _ "github.com/gobeaver/fileio/driver/local"
//	    _ "github.com/gobeaver/fileio/driver/memory"
//	)
//
//	reg, err := fileio.New(&fileio.Config{Backends: "local memory"})
//
// Tests should build their own registry with [NewRegistry] instead of using
// the process-wide one.
//
// # Basic Usage
//
//	f, err := reg.Resolve("file:///tmp/hello.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//
//	// Write and read back
//	err = fileio.WriteAll(ctx, f, []byte("Hello, World!"))
//	data, err := fileio.ReadAll(ctx, f)
//
//	// Metadata
//	info, err := f.QueryInfo(ctx, "standard::*,time::modified")
//	size, _ := info.Size()
//
//	// List a directory
//	for info, err := range fileio.ListChildren(ctx, f.Parent(), "standard::name") {
//	    ...
//	}
//
// # Optional Capabilities
//
// Every File answers QueryInfo. Everything else is an optional capability
// detected with a type assertion ([Readable], [Writable], [Enumerable],
// [Monitorable], [Deleter], [DirMaker], [Renamer], [Copier], [Trasher]).
// The package-level helpers return ErrNotSupported when a capability is
// missing.
//
// # Cancellation
//
// Blocking operations take a context.Context. A [Cancellable] is a shared,
// one-shot token that is itself a context, so one token can stop any
// number of concurrent operations. Cancelled operations fail with
// [ErrCancelled].
//
// # Errors
//
// Every error matches exactly one kind sentinel under errors.Is:
// ErrNotExist, ErrPermission, ErrExist, ErrNotEmpty, ErrIsDir,
// ErrUnsupportedScheme, ErrNotSupported, ErrCancelled or ErrIO. [Kind]
// classifies an arbitrary error.
package fileio
