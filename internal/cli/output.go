package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/client"
	"github.com/lazypower/bondline/internal/ledger"
)

func newClient() *client.Client {
	return client.New(serverURL)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBond(w io.Writer, b *bond.Bond) {
	fmt.Fprintf(w, "%s  %s -> %s [%s] slot %d\n", b.ID, b.UserID, b.AgentID, b.Tier, b.SlotNumber)
	fmt.Fprintf(w, "   status %s, rarity %.2f (%s, peak %.2f %s), affinity %.2f\n",
		b.Status, b.RarityScore, b.RarityTier, b.PeakRarityScore, b.PeakRarityTier, b.AffinityLevel)
	if len(b.Milestones) > 0 {
		fmt.Fprintf(w, "   milestones: %v\n", b.Milestones)
	}
}

func printBadge(w io.Writer, b *bond.LegacyBadge) {
	d := time.Duration(b.DurationSeconds) * time.Second
	fmt.Fprintf(w, "%s  %s -> %s [%s] peak %.2f (%s), lasted %s, %s\n",
		b.BondID, b.UserID, b.AgentID, b.Tier, b.PeakRarityScore, b.PeakRarityTier, d, b.Reason)
}

func printOccupancy(w io.Writer, o *ledger.Occupancy) {
	fmt.Fprintf(w, "%s [%s]: %d/%d occupied, %d reserved, %d free\n",
		o.AgentID, o.Tier, o.Occupied, o.Capacity, o.Reserved, o.Free)
}
