package tablets

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dTablet/cmd/util"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/rpc/client"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	rpcTablets *client.TabletClient

	// TabletCommands represents the command group of the tablet server
	TabletCommands = &cobra.Command{
		Use:               "ts",
		Short:             "Talk to the tablet server of a node",
		Long:              "Read and write tables, administrate tables and users, inspect the node and send coordinator commands. All commands authenticate with --user and --password.",
		PersistentPreRunE: setupTabletClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(TabletCommands)
	util.SetupCredentialFlags(TabletCommands)
	TabletCommands.PersistentFlags().Int("shard", int(common.TabletServerShard), util.WrapString("ID of the shard to connect to"))

	TabletCommands.AddCommand(tableCmd)
	TabletCommands.AddCommand(userCmd)
	TabletCommands.AddCommand(putCmd)
	TabletCommands.AddCommand(delCmd)
	TabletCommands.AddCommand(scanCmd)
	TabletCommands.AddCommand(casCmd)
	TabletCommands.AddCommand(statusCmd)
	TabletCommands.AddCommand(coordCmd)
}

// setupTabletClient initializes the tablet server client
func setupTabletClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetClientConfig()
	shardId := util.GetShardID()

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	rpcTablets, err = client.NewRPCTabletClient(
		shardId,
		*config,
		t,
		s,
		util.GetCredentials(),
	)

	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// parseColumn splits family:qualifier
func parseColumn(s string) (family, qualifier string, err error) {
	family, qualifier, ok := strings.Cut(s, ":")
	if !ok || family == "" {
		return "", "", errors.Newf("invalid column %q (expected family:qualifier)", s)
	}
	return family, qualifier, nil
}

// parseAuths splits a comma-separated list of labels
func parseAuths(s string) data.Authorizations {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// parseSplits splits a comma-separated list of split rows
func parseSplits(s string) [][]byte {
	if s == "" {
		return nil
	}
	var splits [][]byte
	for _, row := range strings.Split(s, ",") {
		splits = append(splits, []byte(row))
	}
	return splits
}

// parseLockID decodes the hex owner id printed by "lock acquire"
func parseLockID(s string) (string, error) {
	owner, err := hex.DecodeString(s)
	if err != nil {
		return "", errors.Wrap(err, "invalid lock id")
	}
	return string(owner), nil
}

// onlineExtents returns the extents of table served by the node in row order
func onlineExtents(table data.TableID) ([]data.Extent, error) {
	stats, err := rpcTablets.GetTabletStats(table)
	if err != nil {
		return nil, err
	}
	extents := make([]data.Extent, 0, len(stats))
	for _, st := range stats {
		extents = append(extents, st.Extent)
	}
	data.SortExtents(extents)
	return extents, nil
}

// locate returns the extent of table containing row
func locate(table data.TableID, row []byte) (data.Extent, error) {
	extents, err := onlineExtents(table)
	if err != nil {
		return data.Extent{}, err
	}
	for _, e := range extents {
		if e.Contains(row) {
			return e, nil
		}
	}
	return data.Extent{}, fmt.Errorf("row %q of table %s is not served by this node", row, table)
}

// extentFlags adds the flags naming a single extent
func extentFlags(cmd *cobra.Command) {
	cmd.Flags().String("end-row", "", "End row of the extent (empty for +inf)")
	cmd.Flags().String("prev-end-row", "", "End row of the previous extent (empty for -inf)")
}

// extentOf builds the extent of table from the extent flags
func extentOf(cmd *cobra.Command, table string) data.Extent {
	end, _ := cmd.Flags().GetString("end-row")
	prev, _ := cmd.Flags().GetString("prev-end-row")
	return data.NewExtent(data.TableID(table), []byte(end), []byte(prev))
}
