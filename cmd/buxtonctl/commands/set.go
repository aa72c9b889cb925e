package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buxton-project/buxton/internal/model"
)

func setCmd() *cobra.Command {
	var (
		layerName string
		typeName  string
		rawValue  string
	)

	cmd := &cobra.Command{
		Use:   "set <group> <name>",
		Short: "Set a key's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			declared, err := parseType(typeName)
			if err != nil {
				return err
			}
			value, err := parseValue(declared, rawValue)
			if err != nil {
				return err
			}
			if _, err := cli.Set(args[0], args[1], layerName, value); err != nil {
				return fmt.Errorf("set %s.%s: %w", args[0], args[1], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to write to (required)")
	cmd.Flags().StringVar(&typeName, "type", "", "value type: string, int32, int64, uint32, uint64, float32, float64, bool (required)")
	cmd.Flags().StringVar(&rawValue, "value", "", "value to store (required)")
	return cmd
}

func setLabelCmd() *cobra.Command {
	var (
		layerName string
		newLabel  string
	)

	cmd := &cobra.Command{
		Use:   "set-label <group> <name>",
		Short: "Replace a key's MAC label (privileged)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			if _, err := cli.SetLabel(args[0], args[1], layerName, model.Label(newLabel)); err != nil {
				return fmt.Errorf("set-label %s.%s: %w", args[0], args[1], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to write to (required)")
	cmd.Flags().StringVar(&newLabel, "label", "", "new label to assign (required)")
	return cmd
}

func unsetCmd() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "unset <group> <name>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if layerName == "" {
				return errLayerRequired
			}
			if _, err := cli.Unset(args[0], args[1], layerName); err != nil {
				return fmt.Errorf("unset %s.%s: %w", args[0], args[1], err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "layer to remove from (required)")
	return cmd
}
