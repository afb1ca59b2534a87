// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the replication wire messages and the error
// kinds every store reports.
//
// A message travels as a CBOR frame {intent, body}. The intent selects
// one of four body shapes:
//
//	have    {links: {id: deleted}}        advertise what a link store holds
//	want    {links: {id: deleted}}        request exactly those ids
//	give    {signature, target?}          one signed link capability
//	record  {envelope}                    one signed record envelope
//
// [Decode] checks the frame and the body against the shape for its
// intent and reports any deviation (unknown intent, unknown or missing
// field, wrong type, malformed id) as [ErrSchema]. Decoding is strict so
// that two peers never disagree about what a message said.
//
// The error kinds are sentinels tested with errors.Is. Inbound failures
// of any kind are dropped by the receiving reconciler; local callers see
// them as rejected operations.
package protocol
