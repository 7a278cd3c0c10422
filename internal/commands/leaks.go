package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"evalgo.org/gameforge/internal/reconcile"
)

var leaksReclaim bool

var leaksCmd = &cobra.Command{
	Use:   "leaks",
	Short: "List live allocations and their servers",
	Long: `Scan every live allocation and classify it against its server:
in_use, orphaned (server missing or deleted) or failed.

Examples:
  # Report only
  gameforge leaks

  # Release orphaned allocations
  gameforge leaks --reclaim`,
	RunE: runLeaks,
}

func init() {
	leaksCmd.Flags().BoolVar(&leaksReclaim, "reclaim", false, "release orphaned allocations")
}

func runLeaks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.reconciler.RunOnce(ctx, leaksReclaim)
	if err != nil {
		return err
	}
	printFindings(res)
	return nil
}

func printFindings(res *reconcile.Result) {
	if len(res.Findings) == 0 {
		fmt.Println("No live allocations")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tHOST\tIP\tSERVER STATUS\tVERDICT\tRECLAIMED")
	for _, f := range res.Findings {
		status := string(f.ServerStatus)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			f.ServerID, f.HostID, f.IP, status, f.Verdict, f.Reclaimed)
	}
	w.Flush()

	fmt.Printf("\n%d allocations, %d orphaned, %d reclaimed\n", len(res.Findings), res.Orphaned, res.Reclaimed)
}
