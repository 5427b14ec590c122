package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/bondline/internal/engine"
)

var sweepRemote bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one decay sweep",
	Long: "Run one decay sweep: expire lapsed offers, refill pools whose queue " +
		"stalled, decay idle affinity, flag at-risk bonds and release expired " +
		"ones. By default the sweep runs directly against the configured " +
		"database; --remote asks a running server.",
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepRemote, "remote", false, "Trigger the sweep on a running server")
}

func runSweep(cmd *cobra.Command, args []string) error {
	var report *engine.SweepReport
	if sweepRemote {
		r, err := newClient().Sweep(cmd.Context())
		if err != nil {
			return err
		}
		report = r
	} else {
		rt, err := loadRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		r, err := rt.sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		report = &r
	}

	if jsonOutput {
		return printJSON(cmd, report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, decayed %d, at risk %d, released %d, skipped %d, failed %d, offers expired %d, pools resumed %d (%s)\n",
		report.Scanned, report.Decayed, report.AtRisk, report.Released, report.Skipped, report.Failed,
		report.OffersExpired, report.PoolsResumed, report.Duration)
	return nil
}
