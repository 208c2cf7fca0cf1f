package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/cuemby/provisor/pkg/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Inspect persisted deployments",
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments recorded in a data directory",
	Long: `List the deployment records a coordinator keeps in its data directory.

The database is locked while a coordinator runs on it; stop the
coordinator first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListDeployments()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No deployments recorded")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMODE\tSTATE\tSTATUS\tSERVICES\tINSTANCES\tLAST DEPLOYED\tUPDATED")
		for _, rec := range records {
			last := "never"
			if n := len(rec.DeployDates); n > 0 {
				last = humanize.Time(rec.DeployDates[n-1])
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				rec.Name, rec.Mode, rec.State, rec.Status,
				rec.Services, rec.Instances, last, humanize.Time(rec.UpdatedAt))
		}
		return w.Flush()
	},
}

func init() {
	deploymentsCmd.AddCommand(deploymentsListCmd)
	deploymentsListCmd.Flags().String("data-dir", "./provisor-data", "Coordinator data directory")
}
