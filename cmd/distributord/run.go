package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v2"

	"github.com/nest-crdt/distributor/barrier"
	"github.com/nest-crdt/distributor/config"
	"github.com/nest-crdt/distributor/cryptonet"
	"github.com/nest-crdt/distributor/internal/log"
	"github.com/nest-crdt/distributor/membership"
	"github.com/nest-crdt/distributor/network"
	"github.com/nest-crdt/distributor/reliable"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start a node from a bootstrap config file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the node's bootstrap TOML file"},
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	f, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	self, err := f.SelfPeer()
	if err != nil {
		return err
	}

	l := log.New(os.Stderr, logLevel(f.LogLevel), f.LogJSON)

	net, member, err := buildNetwork(f, self, l)
	if err != nil {
		return err
	}
	defer net.Stop()

	for _, p := range f.Peers {
		if membership.NodeId(p.Id) == member.Self {
			continue
		}
		net.RegisterNode(membership.NodeId(p.Id), member.Peers[membership.NodeId(p.Id)])
	}

	if err := waitForPeers(net, member, l); err != nil {
		return err
	}

	bcast := reliable.New(net, member, l)
	bcast.AddReceiver(func(payload json.RawMessage) {
		var s string
		if err := json.Unmarshal(payload, &s); err == nil {
			fmt.Println(s)
		}
	})

	fmt.Fprintf(os.Stderr, "ready; type a line and press enter to broadcast it\n")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := bcast.Broadcast(scanner.Text()); err != nil {
			l.Warnw("broadcast failed", "err", err)
		}
	}
	return scanner.Err()
}

func buildNetwork(f *config.File, self config.PeerConfig, l log.Logger) (network.Network, membership.Membership, error) {
	if !f.Encrypted {
		member := f.Membership()
		n := network.NewPlain(member.Self, l)
		if err := n.Listen(self.Address()); err != nil {
			return nil, membership.Membership{}, err
		}
		return n, member, nil
	}

	member, err := f.EncryptedMembership()
	if err != nil {
		return nil, membership.Membership{}, err
	}
	privPEM, err := os.ReadFile(f.PrivateKeyFile)
	if err != nil {
		return nil, membership.Membership{}, fmt.Errorf("reading private key: %w", err)
	}
	priv, err := cryptonet.DecodePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, membership.Membership{}, err
	}
	n := cryptonet.NewEncrypted(member.Self, priv, l)
	if err := n.Listen(self.Address()); err != nil {
		return nil, membership.Membership{}, err
	}
	return n, member, nil
}

func waitForPeers(n network.Network, member membership.Membership, l log.Logger) error {
	if len(member.Others()) == 0 {
		return nil
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " waiting for peers to become reachable..."
	s.Start()
	defer s.Stop()

	b := barrier.New(n, member, l)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return b.Wait(ctx)
}

func logLevel(name string) int {
	switch name {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
