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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyagent/internal/config"
	"github.com/jeremyhahn/go-keyagent/internal/server"
	"github.com/jeremyhahn/go-keyagent/pkg/adapters/logger"
)

// forwardedFlags are passed on to the background agent process.
var forwardedFlags = []string{"config", "bridge", "log-level", "log-format"}

func newAgentCmd(opts *options) *cobra.Command {
	var (
		foreground bool
		cshStyle   bool
		shStyle    bool
		cleanupDir bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the SSH agent",
		Long: `Run an SSH agent that signs with the bridge keys.

Without -a a socket is created as $TMPDIR/ssh-XXXX/agent.<pid>. The
agent forks to the background unless -D is given and prints shell
commands that export SSH_AUTH_SOCK and SSH_AGENT_PID:

  eval $(keyagent agent)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			socket := cfg.Agent.Socket
			if socket == "" {
				if socket, err = generateSocketPath(); err != nil {
					return err
				}
				cleanupDir = true
			}
			csh := useCshStyle(cshStyle, shStyle, os.Getenv("SHELL"))

			if !foreground {
				pid, err := spawnAgent(cmd, socket, cleanupDir)
				if err != nil {
					if cleanupDir {
						_ = os.Remove(filepath.Dir(socket))
					}
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), shellCommands(socket, pid, csh))
				return err
			}

			cfg.Agent.Socket = socket
			return runAgent(cmd, cfg, csh, cleanupDir)
		},
	}

	flags := cmd.Flags()
	flags.StringP("socket", "a", "", "bind the agent to this socket path")
	flags.BoolVarP(&foreground, "foreground", "D", false, "do not fork to the background")
	flags.BoolVarP(&cshStyle, "csh", "c", false, "print C-shell commands")
	flags.BoolVarP(&shStyle, "sh", "s", false, "print Bourne shell commands")
	flags.BoolVar(&cleanupDir, "cleanup-dir", false, "remove the socket directory on exit")
	_ = flags.MarkHidden("cleanup-dir")
	cmd.MarkFlagsMutuallyExclusive("csh", "sh")
	return cmd
}

// runAgent serves the socket until the command context is cancelled or
// a termination signal arrives.
func runAgent(cmd *cobra.Command, cfg *config.Config, csh, cleanupDir bool) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if cleanupDir {
		defer func() {
			if err := os.Remove(filepath.Dir(cfg.Agent.Socket)); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to remove socket directory", logger.Error(err))
			}
		}()
	}

	backend, err := newBackend(cmd.Context(), &cfg.Bridge, log)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, server.WithLogger(log), server.WithBackend(backend))
	if err != nil {
		return err
	}

	ctx := server.SetupSignalHandler(cmd.Context())
	if err := srv.Start(); err != nil {
		return err
	}
	if _, err := fmt.Fprint(cmd.OutOrStdout(), shellCommands(srv.SocketPath(), os.Getpid(), csh)); err != nil {
		log.Warn("Failed to print shell commands", logger.Error(err))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srv.Errors():
	}
	if err := srv.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// spawnAgent re-executes this binary in foreground mode on socket and
// returns the child's pid.
func spawnAgent(cmd *cobra.Command, socket string, cleanupDir bool) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("could not locate executable: %w", err)
	}

	args := []string{"agent", "-a", socket, "-D"}
	for _, name := range forwardedFlags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			args = append(args, "--"+name, f.Value.String())
		}
	}
	if cleanupDir {
		args = append(args, "--cleanup-dir")
	}

	child := exec.Command(exe, args...)
	child.Stderr = os.Stderr
	child.SysProcAttr = detachAttr()
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("could not start agent process: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}

// generateSocketPath creates a private directory for a fresh socket.
func generateSocketPath() (string, error) {
	dir, err := os.MkdirTemp("", "ssh-")
	if err != nil {
		return "", fmt.Errorf("could not create socket directory: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("agent.%d", os.Getpid())), nil
}

// useCshStyle picks the shell syntax, falling back to $SHELL.
func useCshStyle(csh, sh bool, shell string) bool {
	switch {
	case csh:
		return true
	case sh:
		return false
	default:
		return strings.HasSuffix(shell, "csh")
	}
}

// shellCommands returns the commands that export the agent environment.
func shellCommands(socket string, pid int, csh bool) string {
	if csh {
		return fmt.Sprintf("setenv SSH_AUTH_SOCK %s;\nsetenv SSH_AGENT_PID %d;\necho Agent pid %d;\n", socket, pid, pid)
	}
	return fmt.Sprintf("SSH_AUTH_SOCK=%s; export SSH_AUTH_SOCK;\nSSH_AGENT_PID=%d; export SSH_AGENT_PID;\necho Agent pid %d;\n", socket, pid, pid)
}
