// Package svcerrs collects the sentinel errors shared across Splitgill's
// core packages. Each wraps github.com/openimsdk/tools/errs so callers can
// use errors.Is against a stable value while still getting the library's
// code/message/stack formatting on the wire.
package svcerrs

import "github.com/openimsdk/tools/errs"

var (
	// ErrValidation covers reserved key names, out-of-range parsing
	// options (keyword_length outside [1, 32766]), and structurally
	// invalid diffs. Ingest does not check value kinds: values outside the
	// Tree grammar are not rejected with this error.
	ErrValidation = errs.New("splitgill: validation error").Wrap()

	// ErrCommitConflict is returned when the commit lock could not be
	// acquired before the caller's deadline.
	ErrCommitConflict = errs.New("splitgill: commit conflict").Wrap()

	// ErrSyncBusy is returned when another sync already holds the
	// database's sync lock.
	ErrSyncBusy = errs.New("splitgill: sync busy").Wrap()

	// ErrLockTimeout is returned by lock.Manager.Acquire past its deadline.
	ErrLockTimeout = errs.New("splitgill: lock timeout").Wrap()

	// ErrStoreUnavailable wraps transient document-store I/O failures.
	ErrStoreUnavailable = errs.New("splitgill: store unavailable").Wrap()

	// ErrSearchUnavailable wraps transient search-engine I/O failures.
	ErrSearchUnavailable = errs.New("splitgill: search unavailable").Wrap()

	// ErrMappingConflict marks a permanent, non-retryable bulk failure
	// (e.g. a dynamic-template mapping rejection). Sync collects these by
	// reason rather than aborting.
	ErrMappingConflict = errs.New("splitgill: mapping conflict").Wrap()

	// ErrCancelled is returned by Sync when its context is cancelled at a
	// bulk-batch boundary.
	ErrCancelled = errs.New("splitgill: sync cancelled").Wrap()

	// ErrLockExists is returned internally by a lock.Store's Insert when the
	// lock document's _id already exists. lock.Manager treats this as a
	// signal to inspect the existing holder, not a failure to propagate.
	ErrLockExists = errs.New("splitgill: lock already held").Wrap()

	// ErrLockLost is returned internally by a lock.Store's Refresh when the
	// caller's owner token no longer matches the stored document (another
	// holder stole or released the lock). CompareAndSwap reports a lost
	// race as (false, nil) instead.
	ErrLockLost = errs.New("splitgill: lock ownership lost").Wrap()

	// ErrNotFound is returned by options.History.At when no options were
	// active at the requested version. Record, status and lock lookups
	// report a missing document as a nil or zero result, not this error.
	ErrNotFound = errs.New("splitgill: not found").Wrap()
)
