package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nest-crdt/distributor/config"
	"github.com/nest-crdt/distributor/membership"
)

const sample = `
self = "A"
private_key_file = "a.key"
log_level = "info"
encrypted = false

[[peers]]
id = "A"
host = "127.0.0.1"
port = 19001
public_key_file = "a.pub"

[[peers]]
id = "B"
host = "127.0.0.1"
port = 19002
public_key_file = "b.pub"
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	return path
}

func TestLoadParsesPeersAndSelf(t *testing.T) {
	f, err := config.Load(writeSample(t))
	require.NoError(t, err)
	require.Equal(t, "A", f.Self)
	require.Len(t, f.Peers, 2)

	member := f.Membership()
	require.Equal(t, 2, member.N())
	require.Equal(t, []membership.NodeId{"B"}, member.Others())

	self, err := f.SelfPeer()
	require.NoError(t, err)
	require.Equal(t, 19001, self.Port)
}

func TestLoadRejectsMissingSelf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[peers]]
id = "A"
host = "127.0.0.1"
port = 1
`), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}
