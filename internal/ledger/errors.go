package ledger

import "errors"

// Error taxonomy for the Artifact Ledger (spec §4.2, §7).
var (
	ErrPathTraversal = errors.New("ledger: resolved path escapes project root")
	ErrNotFound      = errors.New("ledger: artifact not found")
	ErrQuota         = errors.New("ledger: project byte quota exceeded")
	ErrIO            = errors.New("ledger: filesystem error")
	ErrReconcile     = errors.New("ledger: reconciliation failed")
)
