package clusterctl

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	utilexec "k8s.io/utils/exec"
)

const (
	// DefaultBinary is the command-line client used when none is configured and oc
	// cannot be found on the PATH.
	DefaultBinary = "kubectl"

	openshiftBinary = "oc"
)

// Runner runs a prepared argument vector against the cluster's command-line client
// and returns the captured standard output.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, args ...string) (string, error)

// Run calls f(ctx, args...).
func (f RunnerFunc) Run(ctx context.Context, args ...string) (string, error) {
	return f(ctx, args...)
}

// Credentials select the cluster and identity the client talks to. Zero values
// leave the choice to the client's own kubeconfig resolution.
type Credentials struct {
	Kubeconfig            string
	Context               string
	Server                string
	Token                 string
	InsecureSkipTLSVerify bool
}

func (c Credentials) args() []string {
	var args []string
	if c.Kubeconfig != "" {
		args = append(args, "--kubeconfig="+c.Kubeconfig)
	}
	if c.Context != "" {
		args = append(args, "--context="+c.Context)
	}
	if c.Server != "" {
		args = append(args, "--server="+c.Server)
	}
	if c.Token != "" {
		args = append(args, "--token="+c.Token)
	}
	if c.InsecureSkipTLSVerify {
		args = append(args, "--insecure-skip-tls-verify=true")
	}
	return args
}

// Client is the Runner backed by a real command-line client binary.
type Client struct {
	binary      string
	credentials Credentials
	env         []string
	exec        utilexec.Interface
	limiter     *rate.Limiter
	logger      logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithBinary pins the client binary instead of resolving it from the PATH.
func WithBinary(binary string) Option {
	return func(c *Client) {
		c.binary = binary
	}
}

// WithCredentials sets the flags prepended to every invocation.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) {
		c.credentials = creds
	}
}

// WithEnv appends KEY=VALUE pairs to the environment of every invocation.
func WithEnv(env ...string) Option {
	return func(c *Client) {
		c.env = append(c.env, env...)
	}
}

// WithExec swaps the executor, mostly for tests.
func WithExec(e utilexec.Interface) Option {
	return func(c *Client) {
		c.exec = e
	}
}

// WithRateLimit throttles invocations to qps with the given burst. A non-positive
// qps disables limiting.
func WithRateLimit(qps float64, burst int) Option {
	return func(c *Client) {
		if qps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a Client. Unless pinned, the binary is taken from $KUBECTL,
// then oc if present on the PATH, then kubectl.
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		exec:   utilexec.New(),
		logger: logrus.StandardLogger(),
	}
	for _, option := range options {
		option(c)
	}

	if c.binary == "" {
		c.binary = os.Getenv("KUBECTL")
	}
	if c.binary == "" {
		if _, err := c.exec.LookPath(openshiftBinary); err == nil {
			c.binary = openshiftBinary
		} else {
			c.binary = DefaultBinary
		}
	}

	path, err := c.exec.LookPath(c.binary)
	if err != nil {
		return nil, errors.Wrapf(err, "cluster client %q not found", c.binary)
	}
	c.binary = path

	return c, nil
}

// Binary returns the resolved client binary path.
func (c *Client) Binary() string {
	return c.binary
}

// Run executes the client with the credential flags followed by args. A non-zero
// exit is returned as a *CommandError.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "waiting for command rate limiter")
		}
	}

	argv := append(c.credentials.args(), args...)
	c.logger.WithField("cmd", strings.Join(args, " ")).Debug("running cluster command")

	cmd := c.exec.CommandContext(ctx, c.binary, argv...)
	if len(c.env) > 0 {
		cmd.SetEnv(append(os.Environ(), c.env...))
	}
	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Args:   append([]string{c.binary}, args...),
			Output: strings.TrimSpace(stderr.String() + "\n" + stdout.String()),
			Err:    err,
		}
	}

	return stdout.String(), nil
}
