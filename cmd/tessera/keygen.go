// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tessera/cmd/tessera/cli"
	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/sealed"
)

type keygenParams struct {
	out            string
	passphraseFile string
	workFactor     int
}

func keygenCommand(stdout io.Writer) *cli.Command {
	var params keygenParams
	return &cli.Command{
		Name:    "keygen",
		Summary: "Create a passphrase-sealed actor key file",
		Description: "Generate an Ed25519 actor key and write its seed to a new file, sealed\n" +
			"with an age passphrase. Prints the actor id.",
		Usage: "tessera keygen --out FILE [--passphrase-file FILE]",
		Examples: []cli.Example{
			{Description: "Create the node key named in the config", Command: "tessera keygen --out ~/.local/state/tessera/node.key"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&params.out, "out", "", "path of the key file to create (must not exist)")
			flagSet.StringVar(&params.passphraseFile, "passphrase-file", "", "read the passphrase from a file instead of prompting")
			flagSet.IntVar(&params.workFactor, "work-factor", sealed.DefaultWorkFactor, "scrypt work factor (log2 N)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return runKeygen(params, stdout)
		},
	}
}

func runKeygen(params keygenParams, stdout io.Writer) error {
	if params.out == "" {
		return errors.New("--out is required")
	}
	passphrase, err := cli.ReadPassphrase(params.passphraseFile, true)
	if err != nil {
		return err
	}
	id, err := actor.GenerateKeyFile(params.out, passphrase, params.workFactor)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}

// loadKeyring opens a key file into a fresh keyring whose current actor
// is the file's.
func loadKeyring(path, passphraseFile string) (*actor.Keyring, actor.ID, error) {
	if path == "" {
		return nil, "", errors.New("a key file is required")
	}
	passphrase, err := cli.ReadPassphrase(passphraseFile, false)
	if err != nil {
		return nil, "", err
	}
	keyring := actor.NewKeyring()
	id, err := keyring.LoadKeyFile(path, passphrase)
	if err != nil {
		keyring.Close()
		return nil, "", err
	}
	return keyring, id, nil
}
