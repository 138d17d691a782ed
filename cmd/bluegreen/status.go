package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/indexops/bluegreen/pkg/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the checkpointed state of a migration job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		cps, err := checkpoint.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer cps.Close()

		cp, err := cps.Load(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known migration jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		inProgressOnly, _ := cmd.Flags().GetBool("in-progress")

		cps, err := checkpoint.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer cps.Close()

		var ids []string
		if inProgressOnly {
			ids, err = cps.ListInProgress()
		} else {
			ids, err = cps.List()
		}
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No migration jobs found")
			return nil
		}
		for _, id := range ids {
			cp, err := cps.Load(id)
			if err != nil {
				fmt.Printf("%s  <unreadable: %v>\n", id, err)
				continue
			}
			fmt.Printf("%s  %-28s  %s -> %s  %d/%d docs\n",
				id, cp.Phase, cp.Spec.SourceIndex, cp.Spec.TargetIndex,
				cp.DocsCopied, cp.DocsTotal)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("in-progress", false, "Only list resumable jobs")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}
