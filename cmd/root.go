package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dTablet/cmd/kv"
	"github.com/ValentinKolb/dTablet/cmd/lock"
	"github.com/ValentinKolb/dTablet/cmd/serve"
	"github.com/ValentinKolb/dTablet/cmd/tablets"
	"github.com/ValentinKolb/dTablet/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dtablet",
		Short: "tablet server node",
		Long: fmt.Sprintf(`dTablet (v%s)

A tablet server node of a sorted, distributed table store. It serves the
tablets assigned by a coordinator: scans, batched and conditional updates,
write-ahead logging, compactions and splits.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dTablet",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dTablet v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(tablets.TabletCommands)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "http", util.WrapString("transport to use (http)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
