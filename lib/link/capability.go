// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/bureau-foundation/tessera/lib/digest"
	"github.com/bureau-foundation/tessera/lib/protocol"
)

// Link is one directed edge from Source. Target is present only on a
// live link whose creating capability was seen.
type Link struct {
	ID         string   `cbor:"id"`
	Source     string   `cbor:"source"`
	Actor      actor.ID `cbor:"actor"`
	Target     any      `cbor:"target,omitempty"`
	TargetHash string   `cbor:"targetHash"`
	Salt       string   `cbor:"salt"`
	Deleted    bool     `cbor:"deleted"`
}

// Claim is the payload an actor signs to authorize one transition.
type Claim struct {
	Source     string `cbor:"source"`
	TargetHash string `cbor:"targetHash"`
	Salt       string `cbor:"salt"`
	Deleted    bool   `cbor:"deleted"`
}

// Capability pairs a link with the signature authorizing it.
type Capability struct {
	Link      Link         `cbor:"link"`
	Signature actor.Signed `cbor:"signature"`
}

// ID derives the id of the link author creates from source to the
// target hashing to targetHash.
func ID(source, targetHash, salt string, author actor.ID) string {
	return digest.LinkID(digest.String(source), targetHash, salt, string(author))
}

// NewCapability signs a capability creating a link from source to
// target. The salt is a fresh random UUID, so repeated links to equal
// targets get distinct ids.
func NewCapability(ctx context.Context, signer actor.Signer, source string, target any, author actor.ID) (*Capability, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: link target is empty", protocol.ErrSchema)
	}
	targetHash, err := digest.Canonical(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSchema, err)
	}
	return issue(ctx, signer, author, Claim{
		Source:     source,
		TargetHash: targetHash,
		Salt:       uuid.NewString(),
	}, target)
}

// NewDeleteCapability signs a capability deleting the link author
// created with targetHash and salt.
func NewDeleteCapability(ctx context.Context, signer actor.Signer, source, targetHash, salt string, author actor.ID) (*Capability, error) {
	if !protocol.ValidID(targetHash) {
		return nil, fmt.Errorf("%w: target hash %q is not a hex digest", protocol.ErrSchema, targetHash)
	}
	if salt == "" {
		return nil, fmt.Errorf("%w: salt is empty", protocol.ErrSchema)
	}
	return issue(ctx, signer, author, Claim{
		Source:     source,
		TargetHash: targetHash,
		Salt:       salt,
		Deleted:    true,
	}, nil)
}

func issue(ctx context.Context, signer actor.Signer, author actor.ID, claim Claim, target any) (*Capability, error) {
	if claim.Source == "" {
		return nil, fmt.Errorf("%w: link source is empty", protocol.ErrSchema)
	}
	payload, err := codec.Marshal(claim)
	if err != nil {
		return nil, fmt.Errorf("link: encoding claim: %w", err)
	}
	signed, err := actor.Sign(ctx, signer, author, payload)
	if err != nil {
		if errors.Is(err, actor.ErrUnknownActor) {
			return nil, fmt.Errorf("%w: %w", protocol.ErrAuthorization, err)
		}
		return nil, fmt.Errorf("link: %w", err)
	}
	return &Capability{
		Link: Link{
			ID:         ID(claim.Source, claim.TargetHash, claim.Salt, author),
			Source:     claim.Source,
			Actor:      author,
			Target:     target,
			TargetHash: claim.TargetHash,
			Salt:       claim.Salt,
			Deleted:    claim.Deleted,
		},
		Signature: *signed,
	}, nil
}

// Open verifies a signed claim and derives the link it authorizes.
// target must hash to the claimed target hash unless the claim is a
// delete, whose link never carries a target.
func Open(verifier actor.Verifier, signature *actor.Signed, target any) (*Link, error) {
	if err := signature.Verify(verifier); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrActorVerification, err)
	}
	var claim Claim
	if err := codec.UnmarshalStrict(signature.Payload, &claim); err != nil {
		return nil, fmt.Errorf("%w: claim: %v", protocol.ErrSchema, err)
	}
	if claim.Source == "" || claim.Salt == "" || !protocol.ValidID(claim.TargetHash) {
		return nil, fmt.Errorf("%w: claim has empty or malformed fields", protocol.ErrSchema)
	}

	link := &Link{
		ID:         ID(claim.Source, claim.TargetHash, claim.Salt, signature.Actor),
		Source:     claim.Source,
		Actor:      signature.Actor,
		TargetHash: claim.TargetHash,
		Salt:       claim.Salt,
		Deleted:    claim.Deleted,
	}
	if claim.Deleted {
		return link, nil
	}
	if target == nil {
		return nil, fmt.Errorf("%w: creating capability has no target", protocol.ErrSchema)
	}
	targetHash, err := digest.Canonical(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSchema, err)
	}
	if targetHash != claim.TargetHash {
		return nil, fmt.Errorf("%w: target does not match the signed target hash", protocol.ErrIntegrity)
	}
	link.Target = target
	return link, nil
}

// Verify re-opens the capability's signature and checks that every
// field of its Link matches what was signed.
func (c *Capability) Verify(verifier actor.Verifier) error {
	opened, err := Open(verifier, &c.Signature, c.Link.Target)
	if err != nil {
		return err
	}
	claimed := c.Link
	switch {
	case claimed.ID != opened.ID:
		return fmt.Errorf("%w: link id does not match the signed claim", protocol.ErrIntegrity)
	case claimed.Source != opened.Source:
		return fmt.Errorf("%w: link source does not match the signed claim", protocol.ErrIntegrity)
	case claimed.Actor != opened.Actor:
		return fmt.Errorf("%w: link actor does not match the signer", protocol.ErrIntegrity)
	case claimed.TargetHash != opened.TargetHash:
		return fmt.Errorf("%w: link target hash does not match the signed claim", protocol.ErrIntegrity)
	case claimed.Salt != opened.Salt:
		return fmt.Errorf("%w: link salt does not match the signed claim", protocol.ErrIntegrity)
	case claimed.Deleted != opened.Deleted:
		return fmt.Errorf("%w: link deleted flag does not match the signed claim", protocol.ErrIntegrity)
	}
	return nil
}
