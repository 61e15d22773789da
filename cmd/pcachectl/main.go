// Command pcachectl drives the shared page cache: a concurrent stress
// workload and an interactive shell over a single arena.
package main

import (
	"github.com/alecthomas/kong"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	LogLevel  string `name:"log-level" help:"Override logger.level (debug, info, warn, error)"`
	Telemetry bool   `name:"telemetry" help:"Enable metrics and tracing regardless of the config file"`
}

// CLI defines the command-line interface for pcachectl.
var CLI struct {
	Globals

	Stress  StressCmd  `cmd:"" help:"Run a concurrent fetch/unpin workload against one arena"`
	Shell   ShellCmd   `cmd:"" help:"Interactive shell over a single arena"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *kong.Context) error {
	_, err := ctx.Stdout.Write([]byte("pcachectl " + version + "\n"))
	return err
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pcachectl"),
		kong.Description("Shared page cache workload driver and shell"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
