package model

import "github.com/rotisserie/eris"

var (
	// ErrProviderUnavailable is recorded when a provider times out or errors.
	ErrProviderUnavailable = eris.New("provider unavailable")
	// ErrNoDataAvailable means no provider returned usable data.
	ErrNoDataAvailable = eris.New("no data available")
	// ErrNoProviders means no provider adapters are configured.
	ErrNoProviders = eris.New("no providers configured")
	// ErrAmbiguousDuplicate means candidate matches conflict and need manual review.
	ErrAmbiguousDuplicate = eris.New("ambiguous duplicate")
	// ErrMergeTransactionFailed means an identity merge rolled back.
	ErrMergeTransactionFailed = eris.New("merge transaction failed")
	// ErrStaleUnverifiable means employment could not be confirmed either way.
	ErrStaleUnverifiable = eris.New("stale and unverifiable")
	// ErrNotFound is returned when an entity, archive or assignment does not exist.
	ErrNotFound = eris.New("not found")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = eris.New("invalid input")
)
