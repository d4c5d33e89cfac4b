// asebadump connects to a switch and prints every message it relays.
// Usage: asebadump [target]   (default tcp:host=localhost;port=33333)
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baransel/aseba/client"
	"github.com/baransel/aseba/internal/observability"
	"github.com/baransel/aseba/internal/proto"
)

var rootCmd = &cobra.Command{
	Use:          "asebadump [target]",
	Short:        "Print every message relayed by an aseba switch",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawTime, _ := cmd.Flags().GetBool("rawtime")
		msgType, _ := cmd.Flags().GetInt("type")
		target := client.DefaultTarget
		if len(args) == 1 {
			target = args[0]
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := client.New(ctx, client.Config{Target: target})
		if err != nil {
			return err
		}
		defer c.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s\n", c.Target())

		var count int
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintf(cmd.ErrOrStderr(), "\n%d messages\n", count)
				return nil
			case f, ok := <-c.Messages():
				if !ok {
					return c.Err()
				}
				if msgType >= 0 && int(f.Type) != msgType {
					continue
				}
				count++
				printFrame(cmd.OutOrStdout(), time.Now(), rawTime, f)
			}
		}
	},
}

func printFrame(w io.Writer, now time.Time, rawTime bool, f *client.Frame) {
	ts := now.Format(observability.DateLayout)
	if rawTime {
		ts = observability.RawTime(now)
	}
	fmt.Fprintf(w, "%s From %d, type %s, %d content bytes : %s\n",
		ts, f.SourceID, strconv.FormatUint(uint64(f.Type), 16), f.Len(), proto.FormatPayload(f.Payload))
}

func init() {
	rootCmd.Flags().Bool("rawtime", false, "shows time in the form of sec:usec since 1970")
	rootCmd.Flags().Int("type", -1, "only print messages of this type")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
