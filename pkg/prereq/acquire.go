package prereq

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Acquire makes sure the shared prerequisites are installed and registers
// consumerID as a subscriber. It waits up to timeout for another process's
// installation to finish, and installs them itself when nobody has.
func (c *Coordinator) Acquire(ctx context.Context, consumerID string, timeout time.Duration) error {
	logger := c.logger.WithField("consumer", consumerID)

	var ready bool
	err := wait.PollUntilContextTimeout(ctx, c.opts.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		installing, err := c.IsInstalling(ctx)
		if err != nil || installing {
			logger.Debug("waiting for another process to finish installing")
			return false, err
		}
		ready, err = c.IsReady(ctx)
		return true, err
	})
	if err != nil {
		if ctx.Err() == nil && wait.Interrupted(err) {
			return errors.Wrapf(ErrPrerequisiteNotReady, "still installing after %s", timeout)
		}
		return err
	}

	if !ready {
		if err := c.Setup(ctx); err != nil {
			return err
		}
		if ready, err = c.IsReady(ctx); err != nil {
			return err
		}
		if !ready {
			if lastErr := c.LastError(); lastErr != nil {
				return errors.Wrapf(ErrPrerequisiteNotReady, "%v", lastErr)
			}
			return ErrPrerequisiteNotReady
		}
	}
	return c.Subscribe(ctx, consumerID)
}

// Release unregisters consumerID and tears the shared prerequisites down once
// no subscribers remain.
func (c *Coordinator) Release(ctx context.Context, consumerID string) error {
	if err := c.Unsubscribe(ctx, consumerID); err != nil {
		return err
	}
	subscribers, err := c.Subscribers(ctx)
	if err != nil {
		return err
	}
	if subscribers.Len() > 0 {
		c.logger.WithField("subscribers", subscribers.UnsortedList()).Info("shared prerequisites still in use")
		return nil
	}
	return c.TearDown(ctx)
}
