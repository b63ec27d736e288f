// Command hackmudchat talks to hackmud chat from the terminal and can run
// a relay server that archives chats and fans them out over websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hpwn/hackmudchat/internal/client"
	"github.com/hpwn/hackmudchat/internal/config"
	"github.com/hpwn/hackmudchat/internal/logging"
	"github.com/hpwn/hackmudchat/internal/tokenfile"
)

var errNoCredential = errors.New("no credential: pass --credential, set HACKMUD_CREDENTIAL, or export a token file")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "hackmudchat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hackmudchat",
		Short:         "Read and send hackmud chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("credential", "", "chat pass (5 characters) or chat token; defaults to HACKMUD_CREDENTIAL or the token file")

	cmd.AddCommand(
		newTokenCmd(),
		newUsersCmd(),
		newSendCmd(),
		newTellCmd(),
		newListenCmd(),
		newServeCmd(),
	)
	return cmd
}

// runtime is the loaded configuration and logger shared by every command.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// stdout is reserved for command output.
	logger := logging.InitWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return &runtime{cfg: cfg, logger: logger}, nil
}

// credential picks the flag, then the environment, then an exported token.
func (rt *runtime) credential(cmd *cobra.Command) (string, error) {
	if f := cmd.Flag("credential"); f != nil && strings.TrimSpace(f.Value.String()) != "" {
		return f.Value.String(), nil
	}
	if rt.cfg.Credential != "" {
		return rt.cfg.Credential, nil
	}
	tok, err := tokenfile.Load(rt.cfg.TokenPath())
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	if tok == "" {
		return "", errNoCredential
	}
	rt.logger.Debug("using exported chat token", slog.String("path", rt.cfg.TokenPath()))
	return tok, nil
}

func (rt *runtime) session(cmd *cobra.Command) (*client.Client, error) {
	cred, err := rt.credential(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(cmd.Context(), cred, client.Config{
		API:       rt.cfg.API(),
		Poll:      rt.cfg.Poll(),
		Logger:    rt.logger,
		SendRate:  rt.cfg.SendRate,
		SendBurst: rt.cfg.SendBurst,
		TokenPath: rt.cfg.TokenPath(),
	})
}
