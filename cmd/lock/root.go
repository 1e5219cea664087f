package lock

import (
	"encoding/hex"
	"fmt"

	"github.com/ValentinKolb/dTablet/cmd/util"
	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/ValentinKolb/dTablet/rpc/client"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/spf13/cobra"
)

var (
	rpcLockMgr     lockmgr.ILockManager
	acquireTimeout uint64

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform lock operations",
		Long:              fmt.Sprintf("Perform lock operations on the lock manager of a node. The coordinator lock is %q, its owner id is the lock id of the coordinator commands.", tserver.CoordinatorLock),
		PersistentPreRunE: setupLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// refreshCmd represents the refresh command
	refreshCmd = &cobra.Command{
		Use:   "refresh [key] [ownerID]",
		Short: "Extend a held lock by the timeout",
		Args:  cobra.ExactArgs(2),
		RunE:  runRefresh,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key] [ownerID]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and owner ID. The owner ID is the hex string returned by the acquire command.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	// ownerCmd represents the owner command
	ownerCmd = &cobra.Command{
		Use:   "owner [key]",
		Short: "Print the owner of a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runOwner,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(refreshCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(ownerCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	LockCommands.PersistentFlags().Int("shard", int(common.CoordLockShard), util.WrapString("ID of the shard to connect to"))

	// Add flags specific to acquire and refresh
	acquireCmd.Flags().Uint64Var(&acquireTimeout, "ttl", 30, "Lock timeout in seconds (0 for no timeout)")
	refreshCmd.Flags().Uint64Var(&acquireTimeout, "ttl", 30, "Lock timeout in seconds")
}

// setupLockClient initializes the lock manager client
func setupLockClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration components
	config := util.GetClientConfig()
	shardId := util.GetShardID()

	// Get serializer and transport
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	// Create the lock manager client
	rpcLockMgr, err = client.NewRPCLockMgr(
		shardId,
		*config,
		t,
		s,
	)

	return err
}

// runAcquire handles the acquire lock command
func runAcquire(_ *cobra.Command, args []string) error {
	key := args[0]

	// the lock manager counts in milliseconds
	acquired, ownerID, err := rpcLockMgr.AcquireLock(key, acquireTimeout*1000)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}

	if !acquired {
		fmt.Printf("acquired=false\n")
		return nil
	}

	fmt.Printf("acquired=true, ownerId=%s\n", hex.EncodeToString(ownerID))
	return nil
}

// runRefresh handles the refresh lock command
func runRefresh(_ *cobra.Command, args []string) error {
	ownerID, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid owner ID format: %v", err)
	}

	refreshed, err := rpcLockMgr.RefreshLock(args[0], ownerID, acquireTimeout*1000)
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %v", err)
	}

	fmt.Printf("refreshed=%v\n", refreshed)
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	ownerID, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid owner ID format: %v", err)
	}

	released, err := rpcLockMgr.ReleaseLock(args[0], ownerID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}

	fmt.Printf("released=%v\n", released)
	return nil
}

// runOwner handles the owner command
func runOwner(_ *cobra.Command, args []string) error {
	ownerID, err := rpcLockMgr.Owner(args[0])
	if err != nil {
		return err
	}
	if ownerID == nil {
		fmt.Println("held=false")
		return nil
	}
	fmt.Printf("held=true, ownerId=%s\n", hex.EncodeToString(ownerID))
	return nil
}
