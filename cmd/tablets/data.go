package tablets

import (
	"fmt"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [table] [row] [family:qualifier] [value]",
		Short: "Write a column of a row",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, qualifier, err := parseColumn(args[2])
			if err != nil {
				return err
			}
			m := data.NewMutation([]byte(args[1])).Put(family, qualifier, []byte(args[3]))
			if err := update(cmd, data.TableID(args[0]), m); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [table] [row] [family:qualifier]",
		Short: "Delete a column of a row",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, qualifier, err := parseColumn(args[2])
			if err != nil {
				return err
			}
			m := data.NewMutation([]byte(args[1])).Delete(family, qualifier)
			if err := update(cmd, data.TableID(args[0]), m); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	casCmd = &cobra.Command{
		Use:   "cas [table] [row] [family:qualifier] [expected] [value]",
		Short: "Write a column if it holds expected (use --absent to require a missing column)",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, row := data.TableID(args[0]), []byte(args[1])
			family, qualifier, err := parseColumn(args[2])
			if err != nil {
				return err
			}
			extent, err := locate(table, row)
			if err != nil {
				return err
			}

			cond := data.Condition{Family: []byte(family), Qualifier: []byte(qualifier), Value: []byte(args[3])}
			if absent, _ := cmd.Flags().GetBool("absent"); absent {
				cond.Value = nil
			}
			auths, _ := cmd.Flags().GetString("auths")
			id, err := rpcTablets.StartConditionalUpdate(table, parseAuths(auths), data.DurabilityDefault)
			if err != nil {
				return err
			}
			defer func() { _ = rpcTablets.CloseConditionalUpdate(id) }()

			results, err := rpcTablets.ConditionalUpdate(id, []tserver.ConditionalBatch{{
				Extent: extent,
				Mutations: []data.ConditionalMutation{{
					ID:         1,
					Mutation:   data.NewMutation(row).Put(family, qualifier, []byte(args[4])),
					Conditions: []data.Condition{cond},
				}},
			}})
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("status=%s\n", r.Status)
			}
			return nil
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan [table]",
		Short: "Print the entries of a table served by the node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			auths, _ := cmd.Flags().GetString("auths")
			batch, _ := cmd.Flags().GetInt("batch-size")

			r := data.Range{}
			if start != "" {
				r.Start = []byte(start)
			}
			if end != "" {
				r.End = []byte(end)
			}

			extents, err := onlineExtents(data.TableID(args[0]))
			if err != nil {
				return err
			}
			for _, extent := range extents {
				if !extent.OverlapsRange(r) {
					continue
				}
				entries, err := rpcTablets.Scan(tserver.ScanRequest{
					Extent:    extent,
					Range:     extent.Clip(r),
					Auths:     parseAuths(auths),
					BatchSize: batch,
				})
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Printf("%s %s:%s [%s] %d\t%s\n", e.Key.Row, e.Key.Family, e.Key.Qualifier, e.Key.Visibility, e.Key.Timestamp, e.Value)
				}
			}
			return nil
		},
	}
)

// update writes a single mutation to the tablet containing its row
func update(cmd *cobra.Command, table data.TableID, m *data.Mutation) error {
	durability, _ := cmd.Flags().GetString("durability")
	d, err := data.ParseDurability(durability)
	if err != nil {
		return err
	}
	extent, err := locate(table, m.Row)
	if err != nil {
		return err
	}
	return rpcTablets.Update(extent, m, d)
}

func init() {
	for _, cmd := range []*cobra.Command{putCmd, delCmd} {
		cmd.Flags().String("durability", "default", "Durability of the write (default, none, log, flush, sync)")
	}

	casCmd.Flags().Bool("absent", false, "Require the column to be absent, expected is ignored")
	casCmd.Flags().String("auths", "", "Comma-separated labels used to read the condition")

	scanCmd.Flags().String("start", "", "First row of the scan (inclusive)")
	scanCmd.Flags().String("end", "", "End row of the scan (exclusive)")
	scanCmd.Flags().String("auths", "", "Comma-separated labels to scan with")
	scanCmd.Flags().Int("batch-size", 0, "Entries per batch, 0 for the server default")
}
