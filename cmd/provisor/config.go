package main

import (
	"fmt"

	"github.com/cuemby/provisor/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect coordinator configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid\n", args[0])
		return nil
	},
}

var configDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Default().Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configDeploymentCmd = &cobra.Command{
	Use:   "deployment FILE",
	Short: "Validate a deployment file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := loadDeployment(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ deployment %s: %d services, %d nested\n",
			spec.Name, len(spec.Services), len(spec.Nested))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultCmd)
	configCmd.AddCommand(configDeploymentCmd)
}
