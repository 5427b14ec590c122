package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/client"
	"github.com/lazypower/bondline/internal/engine"
)

// metricFlags binds the relationship metric flags shared by establish and
// update.
type metricFlags struct {
	quality, consistency, disclosure, resonance float64
	shared                                      int
}

func (f *metricFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.quality, "quality", 0, "Message quality, 0..1")
	cmd.Flags().Float64Var(&f.consistency, "consistency", 0, "Consistency score, 0..1")
	cmd.Flags().Float64Var(&f.disclosure, "disclosure", 0, "Mutual disclosure, 0..1")
	cmd.Flags().Float64Var(&f.resonance, "resonance", 0, "Emotional resonance, 0..1")
	cmd.Flags().IntVar(&f.shared, "shared", 0, "Shared experiences count")
}

func (f *metricFlags) metrics() bond.Metrics {
	return bond.Metrics{
		MessageQuality:     f.quality,
		ConsistencyScore:   f.consistency,
		MutualDisclosure:   f.disclosure,
		EmotionalResonance: f.resonance,
		SharedExperiences:  f.shared,
	}
}

// patch includes only the flags set on the command line.
func (f *metricFlags) patch(cmd *cobra.Command) bond.MetricsPatch {
	var p bond.MetricsPatch
	if cmd.Flags().Changed("quality") {
		p.MessageQuality = &f.quality
	}
	if cmd.Flags().Changed("consistency") {
		p.ConsistencyScore = &f.consistency
	}
	if cmd.Flags().Changed("disclosure") {
		p.MutualDisclosure = &f.disclosure
	}
	if cmd.Flags().Changed("resonance") {
		p.EmotionalResonance = &f.resonance
	}
	if cmd.Flags().Changed("shared") {
		p.SharedExperiences = &f.shared
	}
	return p
}

var (
	establishMetrics metricFlags
	updateMetrics    metricFlags
	releaseReason    string
	boardTier        string
	boardLimit       int
	boardExclude     bool
)

var establishCmd = &cobra.Command{
	Use:   "establish <user> <agent> <tier>",
	Short: "Request a bond, joining the queue if the tier is full",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, err := bond.ParseTier(args[2])
		if err != nil {
			return err
		}
		res, err := newClient().Establish(cmd.Context(), client.EstablishRequest{
			UserID:  args[0],
			AgentID: args[1],
			Tier:    tier,
			Metrics: establishMetrics.metrics(),
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, res)
		}
		if res.Bonded {
			printBond(cmd.OutOrStdout(), res.Bond)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued at position %d\n", res.Position)
		return nil
	},
}

var bondCmd = &cobra.Command{
	Use:   "bond <bond-id>",
	Short: "Show one bond",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newClient().GetBond(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, b)
		}
		printBond(cmd.OutOrStdout(), b)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <bond-id>",
	Short: "Record an interaction with new metric values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newClient().UpdateMetrics(cmd.Context(), args[0], updateMetrics.patch(cmd))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, b)
		}
		printBond(cmd.OutOrStdout(), b)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <bond-id>",
	Short: "Release a bond and print its legacy badge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		badge, err := newClient().Release(cmd.Context(), args[0], bond.ReleaseReason(releaseReason))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, badge)
		}
		printBadge(cmd.OutOrStdout(), badge)
		return nil
	},
}

var bondsCmd = &cobra.Command{
	Use:   "bonds <user>",
	Short: "List a user's alive bonds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bonds, err := newClient().UserBonds(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, bonds)
		}
		if len(bonds) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No bonds.")
		}
		for _, b := range bonds {
			printBond(cmd.OutOrStdout(), b)
		}
		return nil
	},
}

var legacyCmd = &cobra.Command{
	Use:   "legacy <user>",
	Short: "List the badges of a user's released bonds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		badges, err := newClient().UserLegacy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, badges)
		}
		if len(badges) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No legacy badges.")
		}
		for _, b := range badges {
			printBadge(cmd.OutOrStdout(), b)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or cancel queued bond requests",
}

var queuePositionCmd = &cobra.Command{
	Use:   "position <user> <agent>",
	Short: "Show a user's place in an agent's queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, entry, err := newClient().QueuePosition(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, map[string]any{"position": pos, "entry": entry})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is #%d for %s [%s], waiting since %s\n",
			entry.UserID, pos, entry.AgentID, entry.Tier, entry.RequestedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <user> <agent>",
	Short: "Withdraw a queued request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entry, err := newClient().CancelQueue(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, entry)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s's request for %s [%s]\n", entry.UserID, entry.AgentID, entry.Tier)
		return nil
	},
}

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Accept or decline a held slot offer",
}

var offerAcceptCmd = &cobra.Command{
	Use:   "accept <user> <agent>",
	Short: "Accept the slot held for a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newClient().AcceptOffer(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, b)
		}
		printBond(cmd.OutOrStdout(), b)
		return nil
	},
}

var offerDeclineCmd = &cobra.Command{
	Use:   "decline <user> <agent>",
	Short: "Decline the slot held for a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeclineOffer(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "offer declined")
		return nil
	},
}

var capacityCmd = &cobra.Command{
	Use:   "capacity <agent> <tier> [slots]",
	Short: "Show a pool's occupancy, or set its capacity",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, err := bond.ParseTier(args[1])
		if err != nil {
			return err
		}
		c := newClient()
		if len(args) == 2 {
			occ, err := c.Occupancy(cmd.Context(), args[0], tier)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, occ)
			}
			printOccupancy(cmd.OutOrStdout(), occ)
			return nil
		}

		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("slots must be an integer: %w", err)
		}
		occ, err := c.SetCapacity(cmd.Context(), args[0], tier, n)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, occ)
		}
		printOccupancy(cmd.OutOrStdout(), occ)
		return nil
	},
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the highest-ranked alive bonds",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := engine.LeaderboardQuery{Limit: boardLimit, ExcludeAtRisk: boardExclude}
		if boardTier != "" {
			tier, err := bond.ParseTier(boardTier)
			if err != nil {
				return err
			}
			q.Tier = &tier
		}
		rows, err := newClient().Leaderboard(cmd.Context(), q)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No bonds.")
		}
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%3d. [%6.2f %-9s] %s -> %s (%s, %s, affinity %.2f)\n",
				r.Rank, r.RarityScore, r.RarityTier, r.UserID, r.AgentID, r.Tier, r.Status, r.AffinityLevel)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show global bond statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient().Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, stats)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "active bonds:    %d\n", stats.TotalActiveBonds)
		fmt.Fprintf(w, "users:           %d\n", stats.TotalUsers)
		fmt.Fprintf(w, "average rarity:  %.2f\n", stats.AverageRarityScore)
		if stats.MostPopularTier != nil {
			fmt.Fprintf(w, "popular tier:    %s\n", *stats.MostPopularTier)
		}
		fmt.Fprintf(w, "queued requests: %d\n", stats.QueuedRequests)
		return nil
	},
}

func init() {
	establishMetrics.register(establishCmd)
	updateMetrics.register(updateCmd)
	releaseCmd.Flags().StringVar(&releaseReason, "reason", "voluntary", "Release reason: voluntary, decay or admin")

	leaderboardCmd.Flags().StringVar(&boardTier, "tier", "", "Only bonds at this tier")
	leaderboardCmd.Flags().IntVarP(&boardLimit, "limit", "n", engine.DefaultLeaderboardLimit, "Maximum number of rows")
	leaderboardCmd.Flags().BoolVar(&boardExclude, "exclude-at-risk", false, "Hide at-risk bonds")

	queueCmd.AddCommand(queuePositionCmd, queueCancelCmd)
	offerCmd.AddCommand(offerAcceptCmd, offerDeclineCmd)
}
