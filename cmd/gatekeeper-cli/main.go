// Package main provides the CLI entry point for operating a running
// gatekeeperd instance: login, block/unblock ports, and manage the
// per-port address allow-list.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gatekeeperd/gatekeeper/internal/client"
	"github.com/gatekeeperd/gatekeeper/internal/config"
)

var Version = "dev"

// globalFlags are shared by every subcommand that talks to a gatekeeperd
// instance.
type globalFlags struct {
	address   string
	port      int
	accessKey string
	secure    bool
	plain     bool
	timeout   time.Duration
	jsonOut   bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:     "gatekeeper-cli",
		Short:   "gatekeeper-cli operates a running gatekeeperd control daemon",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "ports", Title: "Port Operations:"})
	rootCmd.AddGroup(&cobra.Group{ID: "addresses", Title: "Address Allow-list:"})
	rootCmd.AddGroup(&cobra.Group{ID: "session", Title: "Session:"})

	var configPath string

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "client config file (values there are overridden by explicit flags)")
	pf.StringVarP(&flags.address, "address", "a", "127.0.0.1", "gatekeeperd host")
	pf.IntVarP(&flags.port, "port", "p", 7443, "gatekeeperd control port")
	pf.StringVarP(&flags.accessKey, "access-key", "k", "", "access key (prompted interactively if omitted and not piped)")
	pf.BoolVar(&flags.secure, "secure", true, "use the key-exchange/chained-cipher wire format")
	pf.BoolVar(&flags.plain, "plain", false, "force plaintext wire format (overrides --secure)")
	pf.DurationVar(&flags.timeout, "timeout", 10*time.Second, "overall timeout for connect, login and the request")
	pf.BoolVar(&flags.jsonOut, "json", false, "emit machine-readable JSON instead of a table")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return nil
		}
		cc, err := config.LoadClient(configPath)
		if err != nil {
			return fmt.Errorf("load client config: %w", err)
		}
		flagsSet := cmd.Flags()
		if !flagsSet.Changed("address") {
			flags.address = cc.Server.Address
		}
		if !flagsSet.Changed("port") {
			flags.port = cc.Server.Port
		}
		if !flagsSet.Changed("access-key") && cc.AccessKey != "" {
			flags.accessKey = cc.AccessKey
		}
		if !flagsSet.Changed("secure") {
			flags.secure = cc.Secure
		}
		return nil
	}

	listPortsCmd := &cobra.Command{
		Use:     "list-ports",
		Short:   "List blocked TCP ports",
		GroupID: "ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				ports, err := c.ListBlockedTCPPorts(ctx)
				if err != nil {
					return err
				}
				if flags.jsonOut {
					return printJSON(ports)
				}
				if len(ports) == 0 {
					fmt.Println("no ports are currently blocked")
					return nil
				}
				fmt.Println(styleHeader("Blocked Ports"))
				for _, p := range ports {
					fmt.Printf("  %d\n", p)
				}
				fmt.Printf("%s\n", humanize.Comma(int64(len(ports)))+" port(s) blocked")
				return nil
			})
		},
	}

	blockCmd := &cobra.Command{
		Use:     "block <port>",
		Short:   "Block a TCP port",
		GroupID: "ports",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				ok, err := c.BlockTCPPort(ctx, port)
				if err != nil {
					return err
				}
				return printResult(flags, "block", ok)
			})
		},
	}

	unblockCmd := &cobra.Command{
		Use:     "unblock <port>",
		Short:   "Unblock a TCP port",
		GroupID: "ports",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				ok, err := c.UnblockTCPPort(ctx, port)
				if err != nil {
					return err
				}
				return printResult(flags, "unblock", ok)
			})
		},
	}

	listAcceptsCmd := &cobra.Command{
		Use:     "list-accepts",
		Short:   "List addresses accepted on blocked ports",
		GroupID: "addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				entries, err := c.ListAcceptedAddressesOnTCPPorts(ctx)
				if err != nil {
					return err
				}
				if flags.jsonOut {
					return printJSON(entries)
				}
				if len(entries) == 0 {
					fmt.Println("no addresses are currently accepted")
					return nil
				}
				fmt.Println(styleHeader("Accepted Addresses"))
				for _, e := range entries {
					fmt.Printf("  %s -> %d\n", e.Address, e.Port)
				}
				return nil
			})
		},
	}

	var acceptPort int
	acceptCmd := &cobra.Command{
		Use:     "accept <address>",
		Short:   "Accept an address on a blocked TCP port",
		GroupID: "addresses",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if net.ParseIP(args[0]) == nil {
				return fmt.Errorf("invalid address %q", args[0])
			}
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				ok, err := c.AcceptAddressOnTCPPort(ctx, args[0], acceptPort)
				if err != nil {
					return err
				}
				return printResult(flags, "accept", ok)
			})
		},
	}
	acceptCmd.Flags().IntVar(&acceptPort, "on-port", 0, "blocked port to accept the address on (required)")
	_ = acceptCmd.MarkFlagRequired("on-port")

	var unacceptPort int
	var unacceptAllPorts bool
	unacceptCmd := &cobra.Command{
		Use:     "unaccept <address>",
		Short:   "Revoke an accepted address, on one port or on every port",
		GroupID: "addresses",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var portArg *int
			if !unacceptAllPorts {
				portArg = &unacceptPort
			}
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				ok, err := c.UnacceptAddressOnTCPPort(ctx, args[0], portArg)
				if err != nil {
					return err
				}
				return printResult(flags, "unaccept", ok)
			})
		},
	}
	unacceptCmd.Flags().IntVar(&unacceptPort, "on-port", 0, "blocked port to revoke the address from")
	unacceptCmd.Flags().BoolVar(&unacceptAllPorts, "all-ports", false, "revoke the address from every port")

	pingCmd := &cobra.Command{
		Use:     "login-check",
		Short:   "Connect and log in, reporting the daemon version",
		GroupID: "session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *client.Client, version string) error {
				if flags.jsonOut {
					return printJSON(map[string]any{"ok": true, "version": version})
				}
				fmt.Println(styleHeader("Login OK"))
				fmt.Printf("daemon version: %s\n", version)
				return nil
			})
		},
	}

	rootCmd.AddCommand(listPortsCmd, blockCmd, unblockCmd, listAcceptsCmd, acceptCmd, unacceptCmd, pingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withClient connects, exchanges keys if secure, logs in, runs fn, then
// disconnects cleanly. Every subcommand funnels through here so the
// connect/login/disconnect bookkeeping lives in exactly one place.
func withClient(flags *globalFlags, fn func(ctx context.Context, c *client.Client, version string) error) error {
	accessKey, err := resolveAccessKey(flags)
	if err != nil {
		return err
	}

	secure := flags.secure && !flags.plain

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	addr := net.JoinHostPort(flags.address, strconv.Itoa(flags.port))
	c, err := client.Connect(ctx, addr, client.Config{
		Secure:       secure,
		AccessKey:    accessKey,
		ReplyTimeout: flags.timeout,
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer c.Close()

	if secure {
		if err := c.Exchange(ctx); err != nil {
			return fmt.Errorf("key exchange: %w", err)
		}
	}

	ok, version, err := c.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !ok {
		return fmt.Errorf("login rejected by %s", addr)
	}

	if err := fn(ctx, c, version); err != nil {
		return err
	}

	return c.Disconnect(ctx)
}

// resolveAccessKey prefers the --access-key flag, then the
// GATEKEEPER_ACCESS_KEY environment variable, then an interactive huh
// form when stdin is a terminal; otherwise it returns an error.
func resolveAccessKey(flags *globalFlags) ([]byte, error) {
	if flags.accessKey != "" {
		return []byte(flags.accessKey), nil
	}
	if key := os.Getenv("GATEKEEPER_ACCESS_KEY"); key != "" {
		return []byte(key), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("access key required: pass --access-key, set GATEKEEPER_ACCESS_KEY, or run interactively")
	}

	var key string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Access key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if len(s) < 1 {
						return fmt.Errorf("access key is required")
					}
					return nil
				}).
				Value(&key),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("read access key: %w", err)
	}
	return []byte(key), nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

func printResult(flags *globalFlags, label string, ok bool) error {
	if flags.jsonOut {
		return printJSON(map[string]any{label: ok})
	}
	status := "ok"
	if !ok {
		status = "declined"
	}
	fmt.Printf("%s: %s\n", label, status)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

func styleHeader(s string) string {
	return headerStyle.Render(s)
}
