// Package config loads the bootstrap TOML file the distributord demo binary
// reads at startup: this node's identity and listen address, its RSA key
// files (for the encrypted transport), and the full peer table.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/nest-crdt/distributor/membership"
)

// PeerConfig is one [[peers]] table entry.
type PeerConfig struct {
	Id            string `toml:"id"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	PublicKeyFile string `toml:"public_key_file"`
}

// Address renders the peer's listen/dial address.
func (p PeerConfig) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// File is the root shape of a bootstrap TOML config file.
type File struct {
	Self           string       `toml:"self"`
	PrivateKeyFile string       `toml:"private_key_file"`
	LogLevel       string       `toml:"log_level"`
	LogJSON        bool         `toml:"log_json"`
	Encrypted      bool         `toml:"encrypted"`
	Peers          []PeerConfig `toml:"peers"`
}

// Load parses path as a bootstrap config file.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if f.Self == "" {
		return nil, fmt.Errorf("config: %s: missing required 'self'", path)
	}
	if len(f.Peers) == 0 {
		return nil, fmt.Errorf("config: %s: at least one [[peers]] entry is required", path)
	}
	return &f, nil
}

// Membership builds a membership.Membership from the file's peer table,
// independent of any per-peer public key material (the plain transport
// ignores it; EncryptedMembership below fills it in for the encrypted one).
func (f *File) Membership() membership.Membership {
	peers := make(map[membership.NodeId]membership.Peer, len(f.Peers))
	for _, p := range f.Peers {
		peers[membership.NodeId(p.Id)] = membership.Peer{Host: p.Host, Port: p.Port}
	}
	return membership.New(membership.NodeId(f.Self), peers)
}

// EncryptedMembership builds a membership.Membership with each peer's
// public_key_file contents loaded into Peer.PublicKeyPEM, for use with the
// cryptonet transport.
func (f *File) EncryptedMembership() (membership.Membership, error) {
	peers := make(map[membership.NodeId]membership.Peer, len(f.Peers))
	for _, p := range f.Peers {
		pem, err := os.ReadFile(p.PublicKeyFile)
		if err != nil {
			return membership.Membership{}, fmt.Errorf("config: reading public key for %s: %w", p.Id, err)
		}
		peers[membership.NodeId(p.Id)] = membership.Peer{Host: p.Host, Port: p.Port, PublicKeyPEM: string(pem)}
	}
	return membership.New(membership.NodeId(f.Self), peers), nil
}

// SelfPeer returns this node's own entry from the peer table.
func (f *File) SelfPeer() (PeerConfig, error) {
	for _, p := range f.Peers {
		if p.Id == f.Self {
			return p, nil
		}
	}
	return PeerConfig{}, fmt.Errorf("config: self id %q has no matching [[peers]] entry", f.Self)
}
