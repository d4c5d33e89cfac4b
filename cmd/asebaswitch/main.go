// asebaswitch connects aseba components together: every message received
// from one connection is forwarded to all the others.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baransel/aseba/internal/admin"
	"github.com/baransel/aseba/internal/config"
	"github.com/baransel/aseba/internal/observability"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "asebaswitch [options] [additional targets]*",
		Short: "Aseba switch, connects aseba components together",
		Long: `Aseba switch, connects aseba components together.

Every message received on one connection is forwarded to all the others.
Additional targets are outbound connections such as
"tcp:host=robot.local;port=33333"; add ";remap=<id>" to rewrite the source
id of every message coming from that target.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Targets = append(cfg.Targets, args...)

			log, err := observability.SetupLogger(cfg.Log, cfg.RawTime)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sw, err := start(ctx, cfg, log)
			if err != nil {
				log.Error("startup failed", zap.Error(err))
				return err
			}
			return sw.wait()
		},
	}

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "List the connections of a running switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("admin")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			c, err := admin.Dial(addr, timeout)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			peers, err := c.ListPeers(ctx)
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}
			st, err := c.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIRECTION\tREMAP\tOPENED\tTARGET")
			for _, p := range peers {
				remap := "-"
				if p.Remap >= 0 {
					remap = fmt.Sprint(p.Remap)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(p.ID), p.Direction, remap,
					p.Opened.Local().Format(time.DateTime), p.Target)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d peers, %d frames in, %d frames out, %d write errors\n",
				st.Peers, st.FramesIn, st.FramesOut, st.WriteErrors)
			return nil
		},
	}

	f := rootCmd.Flags()
	f.IntP("port", "p", config.DefaultPort, "listens to incoming connection on this port")
	f.BoolP("verbose", "v", false, "makes the switch verbose")
	f.BoolP("dump", "d", false, "makes the switch dump all data")
	f.BoolP("loop", "l", false, "makes the switch transmit messages back to the sender, not only forward them")
	f.Bool("rawtime", false, "shows time in the form of sec:usec since 1970")
	f.String("config", "", "configuration file (default ./asebaswitch.yaml)")
	f.Bool("strict", false, "exit when an additional target cannot be reached")
	f.Duration("write-timeout", 5*time.Second, "drop a connection that blocks a write this long (0 waits forever)")
	f.Duration("read-timeout", 0, "drop a connection that stalls mid-message this long (0 disables)")
	f.Bool("zeroconf", false, "advertise the switch over mDNS and report other switches")
	f.String("name", "", "zeroconf service name (default \"Aseba Switch <hostname>\")")
	f.String("admin", "", "serve the gRPC admin API on this address, e.g. 127.0.0.1:33334")
	f.Int("quic-port", 0, "also accept quic connections on this udp port")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "console", "log format: console or json")

	peersCmd.Flags().String("admin", "127.0.0.1:33334", "admin API address of the switch")
	peersCmd.Flags().Duration("timeout", 5*time.Second, "RPC timeout")
	rootCmd.AddCommand(peersCmd)
	return rootCmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
