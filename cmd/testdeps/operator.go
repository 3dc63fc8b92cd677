package main

import (
	"github.com/spf13/cobra"

	"github.com/operator-framework/testdeps/pkg/provisioner"
)

func newOperatorCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Install or remove a single configured dependency",
	}

	install := &cobra.Command{
		Use:   "install <dependency>",
		Short: "Configure, deploy and wait for a dependency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.provisioner(args[0])
			if err != nil {
				return err
			}
			if err := provisioner.Run(cmd.Context(), p); err != nil {
				return err
			}
			env.logger.WithField("dependency", args[0]).Info("dependency installed")
			return nil
		},
	}

	uninstall := &cobra.Command{
		Use:   "uninstall <dependency>",
		Short: "Undeploy a dependency and remove what Configure created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := env.provisioner(args[0])
			if err != nil {
				return err
			}
			if err := provisioner.Stop(cmd.Context(), p); err != nil {
				return err
			}
			env.logger.WithField("dependency", args[0]).Info("dependency removed")
			return nil
		},
	}

	cmd.AddCommand(install, uninstall)
	return cmd
}
