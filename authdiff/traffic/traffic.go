package traffic

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-appsec/authdiff/authdiff/bundle"
	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/cliutil"
	"github.com/go-appsec/authdiff/authdiff/mcpclient"
)

type submitInput struct {
	requestFile  string
	responseFile string
	bundle       string
	target       string
	notes        string
}

// resolve reads the request and response named by the input flags.
func (in submitInput) resolve(stdin io.Reader) (mcpclient.TrafficSubmitOpts, error) {
	opts := mcpclient.TrafficSubmitOpts{Target: in.target, Notes: in.notes}

	if (in.requestFile == "") == (in.bundle == "") {
		return opts, errors.New("exactly one of --request or --bundle is required")
	}

	if in.bundle != "" {
		dir, err := bundle.ResolvePath(in.bundle)
		if err != nil {
			return opts, err
		}
		b, err := bundle.Read(dir)
		if err != nil {
			return opts, err
		}
		opts.Request = string(b.OriginalRequest)
		opts.Response = string(b.OriginalResponse)
		if opts.Target == "" {
			opts.Target = b.Meta.Target
		}
		if opts.Notes == "" {
			opts.Notes = b.Meta.Notes
		}
	} else {
		data, err := readInput(in.requestFile, stdin)
		if err != nil {
			return opts, fmt.Errorf("read request: %w", err)
		}
		opts.Request = string(data)
	}

	if in.responseFile != "" {
		data, err := readInput(in.responseFile, stdin)
		if err != nil {
			return opts, fmt.Errorf("read response: %w", err)
		}
		opts.Response = string(data)
	}
	return opts, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func submit(opts cli.ClientOptions, in submitInput) error {
	req, err := in.resolve(os.Stdin)
	if err != nil {
		return err
	}

	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.TrafficSubmit(ctx, req)
	if err != nil {
		return fmt.Errorf("traffic submit failed: %w", err)
	}

	if resp.Queued {
		_, _ = fmt.Fprintf(os.Stdout, "Submitted request %s, queued for testing\n", resp.ID)
		cliutil.HintCommand(os.Stdout, "Result", "authdiff ledger get "+resp.ID)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "Submitted request %s, not queued (pipeline disabled or filtered)\n", resp.ID)
		cliutil.HintCommand(os.Stdout, "Test it anyway with", "authdiff authz process "+resp.ID)
	}
	if req.Response == "" {
		cliutil.HintCommand(os.Stdout, "Attach the response with",
			"authdiff traffic respond "+resp.ID+" --response <file>")
	}
	return nil
}

func respond(opts cli.ClientOptions, id, responseFile string) error {
	data, err := readInput(responseFile, os.Stdin)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	if _, err := client.TrafficRespond(ctx, id, string(data)); err != nil {
		return fmt.Errorf("traffic respond failed: %w", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Response attached to request %s\n", id)
	return nil
}
