package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/config"
)

type cli struct {
	LogLevel string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	Config   string `help:"Control plane settings file (YAML)." type:"existingfile" short:"c"`

	Compile        compileCmd        `cmd:"" help:"Compile the rules of every flow in a scenario."`
	Simulate       simulateCmd       `cmd:"" help:"Provision a scenario against in-memory switches."`
	ValidateConfig validateConfigCmd `cmd:"" name:"validate-config" help:"Check a settings file and print the effective settings."`
}

// runtime is bound into every command's Run method.
type runtime struct {
	ctx    context.Context
	logger flowhs.Logger
	out    io.Writer
	config config.Config
}

func (c *cli) settings() (config.Config, error) {
	if c.Config == "" {
		return config.Defaults(), nil
	}
	return config.Load(c.Config)
}

func main() {
	var app cli
	kctx := kong.Parse(&app,
		kong.Name("flowhs"),
		kong.Description("Flow provisioning control plane tools."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, kctx, &app, os.Stdout, os.Stderr)
	kctx.FatalIfErrorf(err)
}

func run(ctx context.Context, kctx *kong.Context, app *cli, out, logs io.Writer) error {
	cfg, err := app.settings()
	if err != nil {
		return err
	}
	rt := &runtime{
		ctx:    ctx,
		logger: newLogger(logs, app.LogLevel),
		out:    out,
		config: cfg,
	}
	return kctx.Run(rt)
}
