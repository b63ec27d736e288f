package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hpwn/hackmudchat/internal/authutil"
	"github.com/hpwn/hackmudchat/internal/chatapi"
	"github.com/hpwn/hackmudchat/internal/poller"
	"github.com/hpwn/hackmudchat/internal/tokenfile"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <pass>",
		Short: "Exchange a chat pass for a chat token and export it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			pass := strings.TrimSpace(args[0])
			if !authutil.IsPassword(pass) {
				return fmt.Errorf("a chat pass is %d characters, got %d", authutil.PasswordLength, len(pass))
			}

			tok, err := chatapi.New(rt.cfg.API()).GetToken(cmd.Context(), pass)
			if err != nil {
				return err
			}
			if path := rt.cfg.TokenPath(); path != "" {
				if err := tokenfile.Save(path, tok); err != nil {
					return err
				}
				rt.logger.Info("chat token exported", "path", path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func newUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the users on the account and the channels each has joined",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			c, err := rt.session(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, u := range c.Users() {
				fmt.Fprintf(out, "%s\t%s\n", u, strings.Join(c.Channels(u), ","))
			}
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <user> <channel> <msg...>",
		Short: "Send a message to a channel",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			c, err := rt.session(cmd)
			if err != nil {
				return err
			}
			return c.Send(cmd.Context(), args[0], args[1], strings.Join(args[2:], " "))
		},
	}
}

func newTellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tell <user> <recipient> <msg...>",
		Short: "Send a direct message",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			c, err := rt.session(cmd)
			if err != nil {
				return err
			}
			return c.Tell(cmd.Context(), args[0], args[1], strings.Join(args[2:], " "))
		},
	}
}

func newListenCmd() *cobra.Command {
	var users []string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print incoming chats as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			c, err := rt.session(cmd)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			c.Subscribe(func(_ context.Context, batch []poller.Message) error {
				return printOldestFirst(enc, batch)
			}, users...)

			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			defer c.Stop()

			select {
			case <-cmd.Context().Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		},
	}
	cmd.Flags().StringSliceVar(&users, "users", nil, "only print chats received by these users")
	return cmd
}

// printOldestFirst writes a newest-first batch in reading order.
func printOldestFirst(enc *json.Encoder, batch []poller.Message) error {
	ordered := append([]poller.Message(nil), batch...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	var errs []error
	for _, m := range ordered {
		if err := enc.Encode(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
