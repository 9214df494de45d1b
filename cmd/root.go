package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/birchkv/birch/cmd/kv"
	"github.com/birchkv/birch/cmd/serve"
	"github.com/birchkv/birch/cmd/util"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "birch",
		Short: "single-node hybrid-log key-value store",
		Long: fmt.Sprintf(`birch (v%s)

A single-node, high-throughput key-value store built on a hybrid log:
an in-memory mutable region backed by an append-only log on disk,
with epoch-protected concurrent access and asynchronous checkpointing.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of birch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("birch v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob, binary)"))
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
