package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func getCmd() *cobra.Command {
	var (
		layerName string
		typeName  string
	)

	cmd := &cobra.Command{
		Use:   "get <group> <name>",
		Short: "Get a key's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			declared, err := parseType(typeName)
			if err != nil {
				return err
			}
			resp, err := cli.Get(args[0], args[1], layerName, declared)
			if err != nil {
				return fmt.Errorf("get %s.%s: %w", args[0], args[1], err)
			}
			fmt.Println(formatValue(resp.Value))
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "restrict lookup to one layer (default: search by priority)")
	cmd.Flags().StringVar(&typeName, "type", "", "assert the stored type (string, int32, int64, uint32, uint64, float32, float64, bool)")
	return cmd
}

func getTypeCmd() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "get-type <group> <name>",
		Short: "Report a key's stored type",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := cli.GetType(args[0], args[1], layerName)
			if err != nil {
				return fmt.Errorf("get-type %s.%s: %w", args[0], args[1], err)
			}
			fmt.Println(resp.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "restrict lookup to one layer (default: search by priority)")
	return cmd
}

func getLabelCmd() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "get-label <group> <name>",
		Short: "Report a key's stored MAC label",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			resp, err := cli.GetLabel(args[0], args[1], layerName)
			if err != nil {
				return fmt.Errorf("get-label %s.%s: %w", args[0], args[1], err)
			}
			fmt.Println(resp.Label)
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to read from (required)")
	return cmd
}
