package kv

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			if err := rpcStore.Set(key, []byte(value)); err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			resp, ok, err := rpcStore.Get(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := rpcStore.Delete(key); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			found, err := rpcStore.Has(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", key, found)
			return nil
		},
	}
	rmwCmd = &cobra.Command{
		Use:   "rmw [key] [delta]",
		Short: "Applies the server's merge function to a key using delta",
		Long:  "Sends delta to the server, which applies its configured merge function against the key's current value (or initializes it if absent).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			delta := args[1]
			if err := rpcStore.RMW(key, []byte(delta)); err != nil {
				return err
			}
			fmt.Println("rmw successfully")
			return nil
		},
	}
)
