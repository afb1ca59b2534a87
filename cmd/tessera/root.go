// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/tessera/cmd/tessera/cli"
)

func root() *cli.Command {
	return &cli.Command{
		Name:        "tessera",
		Summary:     "Peer-to-peer replication of signed records and links",
		Description: "Tessera replicates signed records, context memberships and capability-authorized\nlinks between peers.",
		Subcommands: []*cli.Command{
			keygenCommand(os.Stdout),
			capabilityCommand(os.Stdout),
			runCommand(),
		},
	}
}
