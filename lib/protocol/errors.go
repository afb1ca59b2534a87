// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "errors"

var (
	// ErrSchema reports a malformed payload, message or value shape.
	ErrSchema = errors.New("protocol: schema violation")

	// ErrActorVerification reports a signature that does not verify
	// under the claimed actor's key.
	ErrActorVerification = errors.New("protocol: actor verification failed")

	// ErrIntegrity reports a hash, path or context mismatch between
	// signed data and what it claims to be. It signals tampering or a
	// writer lying about its own content.
	ErrIntegrity = errors.New("protocol: integrity check failed")

	// ErrDuplicateOrStale reports a transition that was already applied
	// or that conflicts with a one-shot transition already accepted.
	ErrDuplicateOrStale = errors.New("protocol: duplicate or stale")

	// ErrAuthorization reports a local write on data the caller's actor
	// does not control.
	ErrAuthorization = errors.New("protocol: not authorized")

	// ErrCancelled reports a wait abandoned because its context ended.
	ErrCancelled = errors.New("protocol: cancelled")
)
