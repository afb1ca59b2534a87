// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tessera/cmd/tessera/cli"
	"github.com/bureau-foundation/tessera/lib/actor"
	"github.com/bureau-foundation/tessera/lib/clock"
	"github.com/bureau-foundation/tessera/lib/config"
	"github.com/bureau-foundation/tessera/lib/envelope"
	"github.com/bureau-foundation/tessera/lib/link"
	"github.com/bureau-foundation/tessera/lib/persist"
	"github.com/bureau-foundation/tessera/lib/record"
	"github.com/bureau-foundation/tessera/lib/registry"
	"github.com/bureau-foundation/tessera/transport"
)

type runParams struct {
	configPath     string
	passphraseFile string
	links          []string
	contexts       []string
	publish        []string
	follow         []string
	use            []string
}

func runCommand() *cli.Command {
	var params runParams
	return &cli.Command{
		Name:    "run",
		Summary: "Run a replicating node",
		Description: "Join the configured mesh, replicate the named link sources, contexts and\n" +
			"records, and log every change until interrupted.",
		Usage: "tessera run [--config FILE] [--links S]... [--context C]... [--publish PATH=JSONC]... [--follow ACTOR/PATH]... [--use CAPABILITY]...",
		Examples: []cli.Example{
			{
				Description: "Watch the links of a post",
				Command:     "tessera run --config tessera.yaml --links https://example.com/post",
			},
			{
				Description: "Publish a record into a context and watch its members",
				Command:     `tessera run --publish profile='{"name": "ada", "context": ["friends"]}' --context friends`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVar(&params.configPath, "config", "", "config file (default $"+config.EnvironmentVariable+")")
			flagSet.StringVar(&params.passphraseFile, "passphrase-file", "", "read the key passphrase from a file instead of prompting")
			flagSet.StringArrayVar(&params.links, "links", nil, "link source to replicate (repeatable)")
			flagSet.StringArrayVar(&params.contexts, "context", nil, "context secret to replicate (repeatable)")
			flagSet.StringArrayVar(&params.publish, "publish", nil, "write PATH=JSONC as this node's actor (repeatable)")
			flagSet.StringArrayVar(&params.follow, "follow", nil, "replicate the record ACTOR/PATH (repeatable)")
			flagSet.StringArrayVar(&params.use, "use", nil, "apply an encoded capability (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return runNode(params)
		},
	}
}

func runNode(params runParams) error {
	var cfg *config.Config
	var err error
	if params.configPath != "" {
		cfg, err = config.LoadFile(params.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, err := cli.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}

	keyring, self, err := loadKeyring(cfg.Node.KeyFile, params.passphraseFile)
	if err != nil {
		return err
	}
	defer keyring.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := startNode(ctx, cfg, keyring, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	logger.Info("node started", "actor", self, "transport", cfg.Network.Transport, "address", node.address)
	if err := node.open(ctx, params); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// node is one running replica: its mesh, storage and open stores.
type node struct {
	self    actor.ID
	address string
	logger  *slog.Logger

	mesh     *transport.Mesh
	storage  persist.Store
	registry *registry.Registry
	closers  []io.Closer

	cancel   context.CancelFunc
	meshDone chan struct{}
}

// startNode builds storage, the mesh and the registry from cfg and
// starts the mesh.
func startNode(ctx context.Context, cfg *config.Config, keyring *actor.Keyring, logger *slog.Logger) (*node, error) {
	self := keyring.CurrentActor()
	n := &node{self: self, logger: logger, meshDone: make(chan struct{})}

	storage, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	n.storage = storage

	mesh, address, err := newMesh(cfg.Network, keyring, self, logger)
	if err != nil {
		n.closeStorage()
		return nil, err
	}
	n.mesh = mesh
	n.address = address

	interval, _ := cfg.Network.AnnounceEvery()
	n.registry, err = registry.New(registry.Config{
		Mux:      mesh,
		Client:   keyring,
		Persist:  storage,
		Clock:    clock.Real(),
		Fanout:   cfg.Network.Fanout,
		Interval: interval,
		Logger:   logger,
	})
	if err != nil {
		mesh.Close()
		n.closeStorage()
		return nil, err
	}

	meshCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go func() {
		defer close(n.meshDone)
		if err := mesh.Run(meshCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mesh stopped", "error", err)
		}
	}()
	return n, nil
}

func openStorage(storageConfig config.StorageConfig, logger *slog.Logger) (persist.Store, error) {
	switch storageConfig.Backend {
	case config.StorageSQLite:
		database, err := persist.OpenSQLite(storageConfig.Path, storageConfig.PoolSize, logger)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return database, nil
	default:
		return persist.NewMemory(), nil
	}
}

// newMesh returns the mesh for the configured transport and the
// address peers reach it at.
func newMesh(network config.NetworkConfig, keyring *actor.Keyring, self actor.ID, logger *slog.Logger) (*transport.Mesh, string, error) {
	compression, err := transport.ParseCompression(network.Compression)
	if err != nil {
		return nil, "", err
	}
	reconnect, err := network.ReconnectEvery()
	if err != nil {
		return nil, "", err
	}

	var listener transport.Listener
	var dialer transport.Dialer
	switch network.Transport {
	case config.TransportWebRTC:
		signaler, err := transport.NewDirSignaler(network.SignalingDir)
		if err != nil {
			return nil, "", err
		}
		servers := make([]transport.ICEServer, 0, len(network.ICEServers))
		for _, server := range network.ICEServers {
			servers = append(servers, transport.ICEServer{
				URLs:       server.URLs,
				Username:   server.Username,
				Credential: server.Credential,
			})
		}
		rtc := transport.NewWebRTCTransport(signaler, transport.PeerID(self), transport.NewICEConfig(servers), logger)
		listener, dialer = rtc, rtc
	default:
		tcp, err := transport.NewTCPListener(network.Listen)
		if err != nil {
			return nil, "", fmt.Errorf("listening on %s: %w", network.Listen, err)
		}
		listener, dialer = tcp, &transport.TCPDialer{}
	}

	mesh, err := transport.NewMesh(transport.MeshConfig{
		Authenticator: &transport.PeerAuthenticator{
			Self:     self,
			Signer:   keyring,
			Verifier: actor.Ed25519Verifier{},
		},
		Listener:          listener,
		Dialer:            dialer,
		Peers:             network.Peers,
		Compression:       compression,
		ReconnectInterval: reconnect,
		Logger:            logger,
	})
	if err != nil {
		listener.Close()
		return nil, "", err
	}
	return mesh, listener.Address(), nil
}

// open opens every store params names and attaches the event loggers.
func (n *node) open(ctx context.Context, params runParams) error {
	for _, source := range params.links {
		if _, err := n.watchLinks(ctx, source); err != nil {
			return err
		}
	}

	for _, secret := range params.contexts {
		handle, err := n.registry.OpenContext(ctx, secret)
		if err != nil {
			return fmt.Errorf("opening context: %w", err)
		}
		n.closers = append(n.closers, handle)
		go n.logMembership(ctx, handle)
	}

	for _, argument := range params.follow {
		author, path, ok := strings.Cut(argument, "/")
		if !ok {
			return fmt.Errorf("--follow %q: want ACTOR/PATH", argument)
		}
		if err := actor.ID(author).Validate(); err != nil {
			return fmt.Errorf("--follow %q: %w", argument, err)
		}
		handle, err := n.registry.OpenRecord(ctx, actor.ID(author), path)
		if err != nil {
			return fmt.Errorf("opening record: %w", err)
		}
		n.closers = append(n.closers, handle)
		handle.AddObserver(n.logChange)
	}

	for _, argument := range params.publish {
		if err := n.publish(ctx, argument); err != nil {
			return err
		}
	}

	for _, encoded := range params.use {
		if err := n.useCapability(ctx, encoded); err != nil {
			return err
		}
	}
	return nil
}

// watchLinks opens source's link store, once per process, and logs its
// events.
func (n *node) watchLinks(ctx context.Context, source string) (*registry.LinksHandle, error) {
	handle, err := n.registry.OpenLinks(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("opening links of %s: %w", source, err)
	}
	n.closers = append(n.closers, handle)
	handle.AddListener(func(event link.Event) {
		n.logger.Info("link event",
			"action", event.Action,
			"source", event.Link.Source,
			"id", event.Link.ID,
			"actor", event.Link.Actor,
		)
	})
	return handle, nil
}

func (n *node) logMembership(ctx context.Context, handle *registry.ContextHandle) {
	for event, err := range handle.Subscribe(ctx) {
		if err != nil {
			return
		}
		n.logger.Info("context event",
			"context", handle.SecretHash(),
			"action", event.Action,
			"actor", event.Member.Actor,
			"path", event.Member.Path,
		)
	}
}

func (n *node) logChange(change record.Change) {
	n.logger.Info("record changed",
		"actor", change.Actor,
		"path", change.Path,
		"updated", change.Updated,
		"fields", len(change.Value),
	)
}

// publish writes PATH=JSONC as the node's actor.
func (n *node) publish(ctx context.Context, argument string) error {
	path, document, ok := strings.Cut(argument, "=")
	if !ok || path == "" {
		return fmt.Errorf("--publish %q: want PATH=JSONC", argument)
	}
	value, err := cli.ParseObject(document)
	if err != nil {
		return fmt.Errorf("--publish %s: %w", path, err)
	}
	handle, err := n.registry.OpenRecord(ctx, n.self, path)
	if err != nil {
		return fmt.Errorf("opening record: %w", err)
	}
	n.closers = append(n.closers, handle)
	handle.AddObserver(n.logChange)
	return handle.Update(ctx, func(current envelope.Value) error {
		envelope.Assign(current, envelope.Value(value))
		return nil
	})
}

// useCapability applies an encoded capability to its source's store.
func (n *node) useCapability(ctx context.Context, encoded string) error {
	capability, _, err := decodeCapability(encoded)
	if err != nil {
		return err
	}
	handle, err := n.watchLinks(ctx, capability.Link.Source)
	if err != nil {
		return err
	}
	if err := handle.UseCapability(ctx, capability, false); err != nil {
		return fmt.Errorf("using capability %s: %w", capability.Link.ID, err)
	}
	return nil
}

// Close releases every handle, then the registry, mesh and storage.
func (n *node) Close() error {
	var errs []error
	for _, closer := range n.closers {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, n.registry.Close(), n.mesh.Close())
	n.cancel()
	<-n.meshDone
	errs = append(errs, n.closeStorage())
	return errors.Join(errs...)
}

func (n *node) closeStorage() error {
	if closer, ok := n.storage.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
