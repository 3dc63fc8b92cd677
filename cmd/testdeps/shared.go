package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/operator-framework/testdeps/pkg/prereq"
)

func newSharedCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shared",
		Short: "Manage the prerequisites shared between test runs",
	}

	coordinator := func(cmd *cobra.Command) (*prereq.Coordinator, error) {
		pctx, err := env.sharedContext()
		if err != nil {
			return nil, err
		}
		return pctx.Coordinator(cmd.Context())
	}

	setup := &cobra.Command{
		Use:   "setup",
		Short: "Install the shared prerequisites unless they are ready or being installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			installing, err := c.IsInstalling(ctx)
			if err != nil {
				return err
			}
			if installing {
				env.logger.Info("shared prerequisites are being installed by another run")
				return nil
			}
			ready, err := c.IsReady(ctx)
			if err != nil && !errors.Is(err, prereq.ErrMissingRequiredLabel) {
				return err
			}
			if ready {
				env.logger.Info("shared prerequisites are already ready")
				return nil
			}

			if err := c.Setup(ctx); err != nil {
				return err
			}
			if ready, err = c.IsReady(ctx); err != nil {
				return err
			}
			if !ready {
				return fmt.Errorf("%w: %v", prereq.ErrPrerequisiteNotReady, c.LastError())
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the installing and ready flags and the subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			installing, err := c.IsInstalling(ctx)
			if err != nil {
				return err
			}
			ready := "unknown"
			if r, err := c.IsReady(ctx); err == nil {
				ready = fmt.Sprint(r)
			} else if !errors.Is(err, prereq.ErrMissingRequiredLabel) {
				return err
			}
			subscribers, err := c.Subscribers(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "namespace:   %s\n", c.Namespace())
			fmt.Fprintf(out, "installing:  %t\n", installing)
			fmt.Fprintf(out, "ready:       %s\n", ready)
			fmt.Fprintf(out, "subscribers: %s\n", strings.Join(sets.List(subscribers), ","))
			return nil
		},
	}

	subscribe := &cobra.Command{
		Use:   "subscribe <consumer-id>",
		Short: "Register a consumer of the shared prerequisites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			return c.Subscribe(cmd.Context(), args[0])
		},
	}

	unsubscribe := &cobra.Command{
		Use:   "unsubscribe <consumer-id>",
		Short: "Remove a consumer of the shared prerequisites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			return c.Unsubscribe(cmd.Context(), args[0])
		},
	}

	var timeout time.Duration
	acquire := &cobra.Command{
		Use:   "acquire <consumer-id>",
		Short: "Wait for or install the shared prerequisites and subscribe to them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			return c.Acquire(cmd.Context(), args[0], timeout)
		},
	}
	acquire.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "how long to wait for another run's installation")

	release := &cobra.Command{
		Use:   "release <consumer-id>",
		Short: "Unsubscribe and tear the shared prerequisites down if nobody else uses them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			return c.Release(cmd.Context(), args[0])
		},
	}

	var force bool
	teardown := &cobra.Command{
		Use:   "teardown",
		Short: "Remove the shared prerequisites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := coordinator(cmd)
			if err != nil {
				return err
			}
			subscribers, err := c.Subscribers(cmd.Context())
			if err != nil {
				return err
			}
			if subscribers.Len() > 0 && !force {
				return fmt.Errorf("shared prerequisites still have subscribers %s, use --force to remove them anyway", strings.Join(sets.List(subscribers), ","))
			}
			return c.TearDown(cmd.Context())
		},
	}
	teardown.Flags().BoolVar(&force, "force", false, "tear down even while subscribers remain")

	cmd.AddCommand(setup, status, subscribe, unsubscribe, acquire, release, teardown)
	return cmd
}
