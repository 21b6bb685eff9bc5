package cli

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/mcpclient"
)

const DefaultTimeout = 30 * time.Second

// ClientOptions are the connection flags shared by all client commands.
type ClientOptions struct {
	MCPURL  string
	Timeout time.Duration
}

// Register adds --mcp-url and --timeout to fs.
func (o *ClientOptions) Register(fs *pflag.FlagSet) {
	fs.StringVar(&o.MCPURL, "mcp-url", mcpclient.DefaultMCPURL, "authdiff service MCP endpoint")
	fs.DurationVar(&o.Timeout, "timeout", DefaultTimeout, "client-side timeout")
}

// Connect opens a client bounded by the timeout. The returned func closes the client and
// releases the context.
func (o ClientOptions) Connect() (context.Context, *mcpclient.Client, func(), error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	client, err := mcpclient.Connect(ctx, o.MCPURL)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, client, func() {
		_ = client.Close()
		cancel()
	}, nil
}
