package tablets

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dTablet/cmd/util"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the status of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				v   any
				err error
			)
			switch what, _ := cmd.Flags().GetString("show"); what {
			case "server":
				v, err = rpcTablets.GetTabletServerStatus()
			case "history":
				v, err = rpcTablets.GetHistoricalStats()
			case "scans":
				v, err = rpcTablets.ActiveScans()
			case "logs":
				v, err = rpcTablets.ActiveLogs()
			case "compactions":
				v, err = rpcTablets.ActiveCompactions()
			default:
				return errors.Newf("invalid status %q (expected server, history, scans, logs, compactions)", what)
			}
			if err != nil {
				return err
			}
			return util.PrintJSON(v)
		},
	}

	coordCmd = &cobra.Command{
		Use:   "coord",
		Short: "Send coordinator commands",
		Long:  "Send coordinator commands. They require a system user and the hex owner id of the coordinator lock (see \"lock acquire\").",
	}
	loadCmd = &cobra.Command{
		Use:   "load [lockID] [table]",
		Short: "Load a tablet, its future location must name this node",
		Args:  cobra.ExactArgs(2),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, args []string) error {
			return rpcTablets.LoadTablet(lockID, extentOf(cmd, args[1]))
		}),
	}
	unloadCmd = &cobra.Command{
		Use:   "unload [lockID] [table]",
		Short: "Unload a tablet",
		Args:  cobra.ExactArgs(2),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, args []string) error {
			var goal tserver.UnloadGoal
			switch g, _ := cmd.Flags().GetString("goal"); g {
			case "unassign":
				goal = tserver.GoalUnassign
			case "suspend":
				goal = tserver.GoalSuspend
			case "delete":
				goal = tserver.GoalDelete
			default:
				return errors.Newf("invalid unload goal %q (expected unassign, suspend, delete)", g)
			}
			return rpcTablets.UnloadTablet(lockID, extentOf(cmd, args[1]), goal, time.Now().UnixMilli())
		}),
	}
	flushCmd = &cobra.Command{
		Use:   "flush [lockID] [table]",
		Short: "Flush the tablets of a table overlapping --start and --end",
		Args:  cobra.ExactArgs(2),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, args []string) error {
			start, end := rowBounds(cmd)
			return rpcTablets.Flush(lockID, data.TableID(args[1]), start, end)
		}),
	}
	compactCmd = &cobra.Command{
		Use:   "compact [lockID] [table]",
		Short: "Compact the tablets of a table overlapping --start and --end",
		Args:  cobra.ExactArgs(2),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, args []string) error {
			start, end := rowBounds(cmd)
			return rpcTablets.Compact(lockID, data.TableID(args[1]), start, end)
		}),
	}
	chopCmd = &cobra.Command{
		Use:   "chop [lockID] [table]",
		Short: "Compact the files of a tablet that reach beyond its extent",
		Args:  cobra.ExactArgs(2),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, args []string) error {
			return rpcTablets.Chop(lockID, extentOf(cmd, args[1]))
		}),
	}
	splitCmd = &cobra.Command{
		Use:   "split [lockID] [table] [row]",
		Short: "Split a tablet at row",
		Args:  cobra.ExactArgs(3),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, args []string) error {
			return rpcTablets.SplitTablet(lockID, extentOf(cmd, args[1]), []byte(args[2]))
		}),
	}
	removeLogsCmd = &cobra.Command{
		Use:   "remove-logs [lockID] [log...]",
		Short: "Discard closed logs of the node, referenced logs are kept",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lockID, err := parseLockID(args[0])
			if err != nil {
				return err
			}
			removed, err := rpcTablets.RemoveLogs(lockID, args[1:])
			if err != nil {
				return err
			}
			for _, l := range removed {
				fmt.Printf("removed %s\n", l)
			}
			return nil
		},
	}
	haltCmd = &cobra.Command{
		Use:   "halt [lockID]",
		Short: "Stop the node, --fast skips unloading the tablets",
		Args:  cobra.ExactArgs(1),
		RunE: coordinator(func(cmd *cobra.Command, lockID string, _ []string) error {
			if fast, _ := cmd.Flags().GetBool("fast"); fast {
				return rpcTablets.FastHalt(lockID)
			}
			return rpcTablets.Halt(lockID)
		}),
	}
)

// coordinator decodes the lock id argument of a coordinator command
func coordinator(run func(cmd *cobra.Command, lockID string, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		lockID, err := parseLockID(args[0])
		if err != nil {
			return err
		}
		if err := run(cmd, lockID, args); err != nil {
			return err
		}
		fmt.Printf("%s successfully\n", cmd.Name())
		return nil
	}
}

// rowBounds reads the --start and --end flags, empty means unbounded
func rowBounds(cmd *cobra.Command) (start, end []byte) {
	s, _ := cmd.Flags().GetString("start")
	e, _ := cmd.Flags().GetString("end")
	if s != "" {
		start = []byte(s)
	}
	if e != "" {
		end = []byte(e)
	}
	return start, end
}

func init() {
	statusCmd.Flags().String("show", "server", "What to show (server, history, scans, logs, compactions)")

	for _, cmd := range []*cobra.Command{loadCmd, unloadCmd, chopCmd, splitCmd} {
		extentFlags(cmd)
	}
	for _, cmd := range []*cobra.Command{flushCmd, compactCmd} {
		cmd.Flags().String("start", "", "First row of the range")
		cmd.Flags().String("end", "", "Last row of the range")
	}
	unloadCmd.Flags().String("goal", "unassign", "What happens to the tablet (unassign, suspend, delete)")
	haltCmd.Flags().Bool("fast", false, "Stop without unloading tablets")

	coordCmd.AddCommand(loadCmd, unloadCmd, flushCmd, compactCmd, chopCmd, splitCmd, removeLogsCmd, haltCmd)
}
