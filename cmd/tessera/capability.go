// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tessera/cmd/tessera/cli"
	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/codec"
	"github.com/bureau-foundation/tessera/lib/link"
)

type capabilityParams struct {
	keyFile        string
	passphraseFile string
	source         string
	target         string
	delete         bool
	targetHash     string
	salt           string
}

func capabilityCommand(stdout io.Writer) *cli.Command {
	var params capabilityParams
	return &cli.Command{
		Name:    "capability",
		Summary: "Mint a signed link capability",
		Description: "Sign a capability creating a link from a source to a JSONC target, or with\n" +
			"--delete, a capability deleting a link this actor created earlier. The\n" +
			"capability is printed as base64url CBOR and can be handed to any node with\n" +
			"\"tessera run --use\".",
		Usage: "tessera capability --key FILE --source S (--target JSONC | --delete --target-hash H --salt S)",
		Examples: []cli.Example{
			{
				Description: "Link a post to a target document",
				Command:     `tessera capability --key node.key --source https://example.com/post --target '{"reply": "https://example.com/r/1"}'`,
			},
			{
				Description: "Read the target from a file",
				Command:     "tessera capability --key node.key --source https://example.com/post --target @target.jsonc",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("capability", pflag.ContinueOnError)
			flagSet.StringVar(&params.keyFile, "key", "", "actor key file")
			flagSet.StringVar(&params.passphraseFile, "passphrase-file", "", "read the key passphrase from a file instead of prompting")
			flagSet.StringVar(&params.source, "source", "", "link source")
			flagSet.StringVar(&params.target, "target", "", "link target as JSONC, or @FILE")
			flagSet.BoolVar(&params.delete, "delete", false, "mint a delete capability")
			flagSet.StringVar(&params.targetHash, "target-hash", "", "target hash of the link to delete")
			flagSet.StringVar(&params.salt, "salt", "", "salt of the link to delete")
			return flagSet
		},
		Subcommands: []*cli.Command{
			inspectCommand(stdout),
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return runCapability(context.Background(), params, stdout)
		},
	}
}

func runCapability(ctx context.Context, params capabilityParams, stdout io.Writer) error {
	if params.source == "" {
		return errors.New("--source is required")
	}
	var target any
	if params.delete {
		if params.target != "" {
			return errors.New("--target cannot be combined with --delete")
		}
		if params.targetHash == "" || params.salt == "" {
			return errors.New("--delete requires --target-hash and --salt")
		}
	} else {
		if params.target == "" {
			return errors.New("--target is required")
		}
		var err error
		if target, err = cli.ParseDocument(params.target); err != nil {
			return err
		}
	}

	keyring, author, err := loadKeyring(params.keyFile, params.passphraseFile)
	if err != nil {
		return err
	}
	defer keyring.Close()

	var capability *link.Capability
	if params.delete {
		capability, err = link.NewDeleteCapability(ctx, keyring, params.source, params.targetHash, params.salt, author)
	} else {
		capability, err = link.NewCapability(ctx, keyring, params.source, target, author)
	}
	if err != nil {
		return err
	}

	encoded, err := encodeCapability(capability)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, encoded)
	return nil
}

func inspectCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "inspect",
		Summary: "Verify and describe an encoded capability",
		Usage:   "tessera capability inspect CAPABILITY",
		Run: func(args []string) error {
			if len(args) != 1 {
				return errors.New("expected exactly one encoded capability")
			}
			return runInspect(args[0], stdout)
		},
	}
}

// runInspect prints the capability's fields and signature check. An
// invalid signature exits 1 after printing.
func runInspect(encoded string, stdout io.Writer) error {
	capability, data, err := decodeCapability(encoded)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "id:          %s\n", capability.Link.ID)
	fmt.Fprintf(stdout, "source:      %s\n", capability.Link.Source)
	fmt.Fprintf(stdout, "actor:       %s\n", capability.Link.Actor)
	fmt.Fprintf(stdout, "target hash: %s\n", capability.Link.TargetHash)
	fmt.Fprintf(stdout, "salt:        %s\n", capability.Link.Salt)
	fmt.Fprintf(stdout, "deleted:     %t\n", capability.Link.Deleted)
	if diagnostic, err := codec.Diagnose(data); err == nil {
		fmt.Fprintf(stdout, "cbor:        %s\n", diagnostic)
	}

	if err := capability.Verify(actor.Ed25519Verifier{}); err != nil {
		fmt.Fprintf(stdout, "signature:   invalid (%v)\n", err)
		return &cli.ExitError{Code: 1}
	}
	fmt.Fprintln(stdout, "signature:   valid")
	return nil
}

func encodeCapability(capability *link.Capability) (string, error) {
	data, err := codec.Marshal(capability)
	if err != nil {
		return "", fmt.Errorf("encoding capability: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCapability(encoded string) (*link.Capability, []byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("capability is not base64url: %w", err)
	}
	var capability link.Capability
	if err := codec.UnmarshalStrict(data, &capability); err != nil {
		return nil, nil, fmt.Errorf("decoding capability: %w", err)
	}
	return &capability, data, nil
}
