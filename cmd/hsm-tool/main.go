package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xhsm/cmd/hsm-tool/cli"
	"github.com/effective-security/xhsm/internal/version"

	// register providers
	_ "github.com/effective-security/xhsm/cryptoprov/awskmscrypto"
	_ "github.com/effective-security/xhsm/cryptoprov/inmemcrypto"
	_ "github.com/effective-security/xhsm/p11token"
)

type app struct {
	cli.Cli

	Hsm       cli.HsmCmd       `cmd:"" help:"HSM commands"`
	Protect   cli.ProtectCmd   `cmd:"" help:"protect data with envelope encryption"`
	Unprotect cli.UnprotectCmd `cmd:"" help:"unprotect data"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("hsm-tool"),
		kong.Description("CLI tool for HSM or KMS"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG mode print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
