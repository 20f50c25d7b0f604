package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/basket/go-offline/internal/config"
	"github.com/basket/go-offline/internal/coordinator"
	"github.com/basket/go-offline/internal/persistence"
	"github.com/basket/go-offline/internal/protocol"
	"github.com/basket/go-offline/internal/tui"
	"github.com/spf13/cobra"
)

const controlPrefix = "/__agent/"

// agentBase turns a bind address into the agent's http base URL.
func agentBase(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func agentURL(addr string) string {
	base := agentBase(addr)
	return "ws" + strings.TrimPrefix(base, "http") + controlPrefix + "ws"
}

// controlRequest calls a control endpoint on the running agent and copies
// the response body to out.
func controlRequest(ctx context.Context, cfg config.Config, method, path string, body io.Reader, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, agentBase(cfg.BindAddr)+controlPrefix+path, body)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(b)
	if len(b) == 0 || b[len(b)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent answered %s", resp.Status)
	}
	return nil
}

// connect opens a coordinator against the running agent and waits for the
// channel to come up.
func connect(ctx context.Context, cfg config.Config, opts coordinator.Options) (*coordinator.Coordinator, error) {
	opts.URL = agentURL(cfg.BindAddr)
	opts.Token = cfg.AuthToken
	c := coordinator.New(opts)
	go func() { _ = c.Run(ctx) }()

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-ch:
			if st.Connected {
				return c, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("agent unreachable at %s", opts.URL)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func resultErr(res coordinator.Result) error {
	if res.OK {
		return nil
	}
	return errors.New(res.Reason)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the running agent's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return controlRequest(cmd.Context(), cfg, http.MethodGet, "healthz", nil, cmd.OutOrStdout())
		},
	}
}

func updateCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for a newer deployed version and optionally activate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			reloaded := make(chan struct{})
			c, err := connect(ctx, cfg, coordinator.Options{OnReload: func() { close(reloaded) }})
			if err != nil {
				return err
			}
			if err := resultErr(c.CheckForUpdate(ctx)); err != nil {
				return err
			}
			st := c.Status()
			out := cmd.OutOrStdout()
			if !st.UpdateAvailable {
				fmt.Fprintf(out, "up to date: %s\n", st.ActiveVersion)
				return nil
			}
			fmt.Fprintf(out, "update available: %s -> %s\n", st.ActiveVersion, st.WaitingVersion)
			if !apply {
				return nil
			}
			if err := resultErr(c.ApplyUpdate(ctx)); err != nil {
				return err
			}
			select {
			case <-reloaded:
				fmt.Fprintf(out, "active: %s\n", c.Status().ActiveVersion)
				return nil
			case <-time.After(timeout):
				return errors.New("update applied but control change was not confirmed")
			}
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "activate a waiting version immediately")
	return cmd
}

func clearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Delete every cache store held by the running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			c, err := connect(ctx, cfg, coordinator.Options{})
			if err != nil {
				return err
			}
			if err := resultErr(c.ClearAllCaches(ctx)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "caches cleared")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <tag>",
		Short: "Replay the deferred actions queued under tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return controlRequest(cmd.Context(), cfg, http.MethodPost, "sync/"+url.PathEscape(args[0]), nil, cmd.OutOrStdout())
		},
	}
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [payload]",
		Short: "Deliver a push payload (JSON or plain text; stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			} else if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			return controlRequest(cmd.Context(), cfg, http.MethodPost, "push", bytes.NewReader(payload), cmd.OutOrStdout())
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Show a live status monitor for the running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			c := coordinator.New(coordinator.Options{
				URL:   agentURL(cfg.BindAddr),
				Token: cfg.AuthToken,
				OnNavigate: func(nav protocol.Navigate) {
					fmt.Fprintf(os.Stderr, "navigate: %s\n", nav.Route)
				},
			})
			go func() { _ = c.Run(ctx) }()
			if err := tui.Run(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the agent database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.HomeDir()
			store, err := persistence.Open(config.DBPath(home), nil)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[0])
			return nil
		},
	}
}
