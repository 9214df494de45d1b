package serve

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/birchkv/birch/cmd/util"
	"github.com/birchkv/birch/rpc/common"
	"github.com/birchkv/birch/rpc/serializer"
	"github.com/birchkv/birch/rpc/server"
	"github.com/birchkv/birch/rpc/transport"
	"github.com/birchkv/birch/rpc/transport/http"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the birch server",
		Long:    `Start the birch server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is BIRCH_<flag> (e.g. BIRCH_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory used for the store's log and checkpoints"))

	key = "hash-table-bits"
	ServeCmd.PersistentFlags().Int(key, 20, cmdUtil.WrapString("Log2 of the number of buckets in the store's hash index"))

	key = "checkpoint-variant"
	ServeCmd.PersistentFlags().String(key, "foldover", cmdUtil.WrapString("Checkpoint variant to use (foldover, snapshot)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for a single request"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.HashTableBits = uint(viper.GetInt("hash-table-bits"))
	serveCmdConfig.CheckpointVariant = viper.GetString("checkpoint-variant")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	switch serveCmdConfig.CheckpointVariant {
	case "foldover", "snapshot":
	default:
		return fmt.Errorf("invalid checkpoint variant: %s (expected foldover or snapshot)", serveCmdConfig.CheckpointVariant)
	}

	return nil
}

// run starts the birch server. RMW requests are merged by concatenating the
// stored value with the incoming delta, initializing absent keys to the
// delta itself.
func run(_ *cobra.Command, _ []string) error {
	var s serializer.IRPCSerializer
	switch viper.GetString("serializer") {
	case "json":
		s = serializer.NewJSONSerializer()
	case "gob":
		s = serializer.NewGOBSerializer()
	case "binary":
		s = serializer.NewBinarySerializer()
	default:
		return fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}

	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	adapter := server.NewStoreServerAdapter(func(old, delta []byte, exists bool) []byte {
		if !exists {
			return append([]byte{}, delta...)
		}
		return append(append([]byte{}, old...), delta...)
	})

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
		adapter,
	)

	return serv.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("birch")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
