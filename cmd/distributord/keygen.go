package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/nest-crdt/distributor/cryptonet"
)

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "generate an RSA keypair for the encrypted transport",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Required: true, Usage: "node id, used to name the key files"},
		&cli.StringFlag{Name: "out-dir", Value: ".", Usage: "directory to write <id>.key and <id>.pub into"},
	},
	Action: func(c *cli.Context) error {
		id := c.String("id")
		outDir := c.String("out-dir")

		priv, err := cryptonet.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generating keypair: %w", err)
		}
		privPEM, err := cryptonet.EncodePrivateKeyPEM(priv)
		if err != nil {
			return err
		}
		pubPEM, err := cryptonet.EncodePublicKeyPEM(&priv.PublicKey)
		if err != nil {
			return err
		}

		privPath := filepath.Join(outDir, id+".key")
		pubPath := filepath.Join(outDir, id+".pub")
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", privPath, err)
		}
		if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", pubPath, err)
		}

		fmt.Printf("wrote %s and %s\n", privPath, pubPath)
		return nil
	},
}
