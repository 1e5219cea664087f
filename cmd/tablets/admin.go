package tablets

import (
	"fmt"

	"github.com/ValentinKolb/dTablet/cmd/util"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/spf13/cobra"
)

var (
	tableCmd = &cobra.Command{
		Use:   "table",
		Short: "Create and inspect tables",
	}
	tableCreateCmd = &cobra.Command{
		Use:   "create [table]",
		Short: "Create a table, pre-split at the given rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			durability, _ := cmd.Flags().GetString("durability")
			d, err := data.ParseDurability(durability)
			if err != nil {
				return err
			}
			splits, _ := cmd.Flags().GetString("splits")
			versions, _ := cmd.Flags().GetInt("max-versions")
			cfg := metadata.TableConfig{
				Table:       data.TableID(args[0]),
				Durability:  d,
				MaxVersions: versions,
			}
			if err := rpcTablets.CreateTable(cfg, parseSplits(splits)); err != nil {
				return err
			}
			fmt.Printf("created table %s\n", args[0])
			return nil
		},
	}
	tableListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the tables readable by the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := rpcTablets.Tables()
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Printf("%s\tdurability=%s\tflushId=%d\tcompactionId=%d\n", t.Table, t.Durability, t.FlushID, t.CompactionID)
			}
			return nil
		},
	}
	tableStatsCmd = &cobra.Command{
		Use:   "stats [table]",
		Short: "Print the stats of the tablets of a table served by the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := rpcTablets.GetTabletStats(data.TableID(args[0]))
			if err != nil {
				return err
			}
			return util.PrintJSON(stats)
		},
	}
	tableSummaryCmd = &cobra.Command{
		Use:   "summary [table]",
		Short: "Compute the summary of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rpcTablets.StartTableSummary(data.TableID(args[0]))
			if err != nil {
				return err
			}
			for {
				sum, done, err := rpcTablets.ContinueTableSummary(id)
				if err != nil {
					return err
				}
				if done {
					return util.PrintJSON(sum)
				}
			}
		},
	}
	tableFlushCmd = &cobra.Command{
		Use:   "flush [table]",
		Short: "Request a flush of all tablets of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rpcTablets.RequestTableFlush(data.TableID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("flushId=%d\n", id)
			return nil
		},
	}
	tableCompactCmd = &cobra.Command{
		Use:   "compact [table]",
		Short: "Request a major compaction of all tablets of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rpcTablets.RequestTableCompaction(data.TableID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("compactionId=%d\n", id)
			return nil
		},
	}
	tableGrantCmd = &cobra.Command{
		Use:   "grant [table] [user] [permission]",
		Short: "Grant a table permission (read, write) to a user",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcTablets.GrantTablePermission(data.TableID(args[0]), args[1], args[2]); err != nil {
				return err
			}
			fmt.Println("granted successfully")
			return nil
		},
	}

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	userCreateCmd = &cobra.Command{
		Use:   "create [name] [password]",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			auths, _ := cmd.Flags().GetString("auths")
			system, _ := cmd.Flags().GetBool("system")
			if err := rpcTablets.CreateUser(args[0], args[1], parseAuths(auths), system); err != nil {
				return err
			}
			fmt.Printf("created user %s\n", args[0])
			return nil
		},
	}
	userAuthsCmd = &cobra.Command{
		Use:   "auths [name] [labels]",
		Short: "Replace the authorizations of a user (comma-separated labels)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			labels := ""
			if len(args) == 2 {
				labels = args[1]
			}
			if err := rpcTablets.SetAuthorizations(args[0], parseAuths(labels)); err != nil {
				return err
			}
			fmt.Println("authorizations set successfully")
			return nil
		},
	}
	userDropCmd = &cobra.Command{
		Use:   "drop [name]",
		Short: "Drop a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcTablets.DropUser(args[0]); err != nil {
				return err
			}
			fmt.Printf("dropped user %s\n", args[0])
			return nil
		},
	}
)

func init() {
	tableCreateCmd.Flags().String("durability", "sync", "Durability of the table (none, log, flush, sync)")
	tableCreateCmd.Flags().String("splits", "", "Comma-separated split rows")
	tableCreateCmd.Flags().Int("max-versions", 0, "Versions returned per column, 0 for one")
	tableCmd.AddCommand(tableCreateCmd, tableListCmd, tableStatsCmd, tableSummaryCmd, tableFlushCmd, tableCompactCmd, tableGrantCmd)

	userCreateCmd.Flags().String("auths", "", "Comma-separated visibility labels of the user")
	userCreateCmd.Flags().Bool("system", false, "Create a system user, it may administrate and send coordinator commands")
	userCmd.AddCommand(userCreateCmd, userAuthsCmd, userDropCmd)
}
