package nats

import (
	"context"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

type (
	testContainerOpts struct {
		image string
		args  []string
	}

	// TestContainerOption configures the disposable test server.
	TestContainerOption interface{ applyToTestContainer(*testContainerOpts) }

	TestImageOption      struct{ v string }
	TestServerArgsOption struct{ v []string }
)

// WithTestImage overrides the server image, e.g. to pin a version.
func WithTestImage(image string) TestImageOption { return TestImageOption{v: image} }

// WithTestServerArgs appends arguments to the server command line.
func WithTestServerArgs(args ...string) TestServerArgsOption {
	return TestServerArgsOption{v: args}
}

func (o TestImageOption) applyToTestContainer(c *testContainerOpts)      { c.image = o.v }
func (o TestServerArgsOption) applyToTestContainer(c *testContainerOpts) { c.args = append(c.args, o.v...) }

// NewTestContainer starts a disposable JetStream-enabled NATS container and
// returns a connector for it.
func NewTestContainer(t Testing, opts ...TestContainerOption) Connector {
	options := testContainerOpts{image: "nats:latest"}
	for _, opt := range opts {
		opt.applyToTestContainer(&options)
	}

	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, options.image,
		testcontainers.WithCmd(append([]string{"-js"}, options.args...)...),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := natsC.ContainerIP(t.Context())
	require.NoError(t, err)
	t.Logf("nats ip: %s", ip)
	return ConnectURL("nats://" + ip + ":4222")
}
