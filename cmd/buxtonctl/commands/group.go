package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func createGroupCmd() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "create-group <group>",
		Short: "Create a group (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			if _, err := cli.CreateGroup(args[0], layerName); err != nil {
				return fmt.Errorf("create-group %s: %w", args[0], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to create the group in (required)")
	return cmd
}

func removeGroupCmd() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "remove-group <group>",
		Short: "Remove a group and every key within it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			if _, err := cli.RemoveGroup(args[0], layerName); err != nil {
				return fmt.Errorf("remove-group %s: %w", args[0], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to remove the group from (required)")
	return cmd
}

func listCmd() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every key in a layer",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			resp, err := cli.List(layerName)
			if err != nil {
				return fmt.Errorf("list %s: %w", layerName, err)
			}
			for _, key := range resp.Keys {
				fmt.Println(key)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to list (required)")
	return cmd
}
