// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyagent.
//
// go-keyagent is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/agent"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge"
	"github.com/jeremyhahn/go-keyagent/pkg/bridge/bridgetest"
)

func useBackend(t *testing.T, b bridge.Backend) {
	t.Helper()
	prev := newBackend
	newBackend = func(context.Context, *config.BridgeConfig, logger.Logger) (bridge.Backend, error) {
		return b, nil
	}
	t.Cleanup(func() { newBackend = prev })
}

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyagent.yaml")
	require.NoError(t, config.Write(cfg, path, false))
	return path
}

func runCmd(ctx context.Context, args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func testBackend() *bridgetest.Backend {
	b := bridgetest.New()
	b.AddRSA("laptop-rsa", 2048)
	b.AddECDSA("laptop-ec", elliptic.P384())
	return b
}

func TestShellCommands(t *testing.T) {
	assert.Equal(t,
		"SSH_AUTH_SOCK=/tmp/ssh-x/agent.7; export SSH_AUTH_SOCK;\nSSH_AGENT_PID=7; export SSH_AGENT_PID;\necho Agent pid 7;\n",
		shellCommands("/tmp/ssh-x/agent.7", 7, false))
	assert.Equal(t,
		"setenv SSH_AUTH_SOCK /tmp/ssh-x/agent.7;\nsetenv SSH_AGENT_PID 7;\necho Agent pid 7;\n",
		shellCommands("/tmp/ssh-x/agent.7", 7, true))
}

func TestUseCshStyle(t *testing.T) {
	tests := []struct {
		name    string
		csh, sh bool
		shell   string
		want    bool
	}{
		{"default bash", false, false, "/bin/bash", false},
		{"default tcsh", false, false, "/usr/bin/tcsh", true},
		{"unset shell", false, false, "", false},
		{"forced csh", true, false, "/bin/bash", true},
		{"forced sh", false, true, "/bin/csh", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, useCshStyle(tt.csh, tt.sh, tt.shell))
		})
	}
}

func TestGenerateSocketPath(t *testing.T) {
	path, err := generateSocketPath()
	require.NoError(t, err)
	dir := filepath.Dir(path)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	assert.True(t, strings.HasPrefix(filepath.Base(dir), "ssh-"))
	assert.Equal(t, fmt.Sprintf("agent.%d", os.Getpid()), filepath.Base(path))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestKeysList(t *testing.T) {
	useBackend(t, testBackend())
	path := writeConfig(t, config.Default())
	ctx := context.Background()

	t.Run("text", func(t *testing.T) {
		out, err := runCmd(ctx, "--config", path, "keys", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "laptop-rsa (RSA-2048)")
		assert.Contains(t, out, "laptop-ec (EC-P-384)")
		assert.Contains(t, out, "  ssh-rsa AAAA")
		assert.Contains(t, out, "  ecdsa-sha2-nistp384 AAAA")
		assert.Contains(t, out, "SHA256:")
	})

	t.Run("json", func(t *testing.T) {
		out, err := runCmd(ctx, "--config", path, "keys", "list", "-o", "json")
		require.NoError(t, err)

		var resp struct {
			Keys []KeyInfo `json:"keys"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.Len(t, resp.Keys, 2)
		assert.Equal(t, "laptop-rsa", resp.Keys[0].Alias)
		assert.Equal(t, "ssh-rsa", resp.Keys[0].Type)
		assert.True(t, strings.HasSuffix(resp.Keys[0].AuthorizedKey, " laptop-rsa"))
		assert.Equal(t, "ecdsa-sha2-nistp384", resp.Keys[1].Type)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := runCmd(ctx, "--config", path, "keys", "list", "-o", "yaml")
		require.NoError(t, err)

		var resp struct {
			Keys []KeyInfo `yaml:"keys"`
		}
		require.NoError(t, yaml.Unmarshal([]byte(out), &resp))
		require.Len(t, resp.Keys, 2)
		assert.Equal(t, "EC-P-384", resp.Keys[1].Algorithm)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := runCmd(ctx, "--config", path, "keys", "list", "-o", "xml")
		assert.Error(t, err)
	})
}

func TestKeysListBackendFailure(t *testing.T) {
	b := bridgetest.New()
	b.FailList(errors.New("phone unreachable"))
	useBackend(t, b)

	_, err := runCmd(context.Background(), "--config", writeConfig(t, config.Default()), "keys", "list")
	assert.ErrorIs(t, err, bridge.ErrBackend)
}

func TestAgentForeground(t *testing.T) {
	useBackend(t, testBackend())

	dir, err := os.MkdirTemp("", "keyagent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "agent.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		out string
		err error
	}
	path := writeConfig(t, config.Default())
	done := make(chan result, 1)
	go func() {
		out, err := runCmd(ctx, "--config", path, "agent", "-D", "-s", "-a", socket)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	identities, err := agent.NewClient(conn).List()
	require.NoError(t, err)
	assert.Len(t, identities, 2)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.out, "SSH_AUTH_SOCK="+socket+"; export SSH_AUTH_SOCK;")
		assert.Contains(t, r.out, fmt.Sprintf("SSH_AGENT_PID=%d;", os.Getpid()))
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}

	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dir)
	assert.NoError(t, err, "user supplied directory is kept")
}

func TestAgentRejectsConflictingShellFlags(t *testing.T) {
	_, err := runCmd(context.Background(), "agent", "-c", "-s", "-D")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "keyagent.yaml")
	ctx := context.Background()

	out, err := runCmd(ctx, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	loaded, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, config.BridgeTermux, loaded.Bridge.Type)
	assert.Equal(t, config.Default().Bridge.Timeout, loaded.Bridge.Timeout)
	assert.Equal(t, "0600", loaded.Agent.SocketMode)

	_, err = runCmd(ctx, "config", "init", "--path", path)
	assert.Error(t, err)

	_, err = runCmd(ctx, "config", "init", "--path", path, "--force")
	assert.NoError(t, err)
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Type = config.BridgeVault
	cfg.Bridge.Vault.Address = "http://127.0.0.1:8200"
	cfg.Bridge.Vault.Token = "s.supersecret"

	out, err := runCmd(context.Background(), "--config", writeConfig(t, cfg), "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s.supersecret")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, "http://127.0.0.1:8200")
}

func TestConfigShowRedactsAzureSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Type = config.BridgeAzureKV
	cfg.Bridge.AzureKV.VaultURL = "https://keyagent.vault.azure.net/"
	cfg.Bridge.AzureKV.TenantID = "tenant"
	cfg.Bridge.AzureKV.ClientID = "client"
	cfg.Bridge.AzureKV.ClientSecret = "azure-client-secret"

	out, err := runCmd(context.Background(), "--config", writeConfig(t, cfg), "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "azure-client-secret")
	assert.Contains(t, out, "tenant")
}

func TestBridgeFlagOverridesConfig(t *testing.T) {
	_, err := runCmd(context.Background(), "--config", writeConfig(t, config.Default()), "--bridge", "smartcard", "config", "show")
	assert.ErrorContains(t, err, "invalid bridge type")
}

func TestVersion(t *testing.T) {
	out, err := runCmd(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "keyagent version "+Version)

	out, err = runCmd(context.Background(), "version", "-o", "json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info["version"])
}

func TestTokenProbeRequiresModule(t *testing.T) {
	_, err := runCmd(context.Background(), "token", "probe")
	assert.Error(t, err)
}

func TestVerifyProbeSignature(t *testing.T) {
	digest := sha256.Sum256([]byte(probeMessage))

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaSig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, digest[:])
	require.NoError(t, err)
	assert.True(t, verifyProbeSignature(rsaKey.Public(), digest[:], rsaSig))
	assert.False(t, verifyProbeSignature(rsaKey.Public(), digest[:], rsaSig[1:]))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	r, s, err := ecdsa.Sign(rand.Reader, ecKey, digest[:])
	require.NoError(t, err)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	assert.True(t, verifyProbeSignature(ecKey.Public(), digest[:], sig))
	assert.False(t, verifyProbeSignature(ecKey.Public(), digest[:], sig[:63]))
}

func TestSHA256DigestInfoPrefix(t *testing.T) {
	digest := sha256.Sum256([]byte(probeMessage))
	input := append(append([]byte{}, sha256DigestInfoPrefix...), digest[:]...)

	hash, got, err := bridge.ParseDigestInfo(input)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, hash)
	assert.Equal(t, digest[:], got)
}
