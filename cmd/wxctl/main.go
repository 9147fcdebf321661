package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/contactstore"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
)

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx.Context)
}

func prepareApp(ctx *cli.Context) error {
	level := zerolog.InfoLevel
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
	ctx.Context = log.WithContext(ctx.Context)
	return nil
}

// loadDirectory builds the contact directory from the --contacts database,
// or returns an empty one if no database was given.
func loadDirectory(ctx *cli.Context) (*directory.Directory, error) {
	dir := directory.New()
	path := ctx.String("contacts")
	if path == "" {
		return dir, nil
	}
	store, err := contactstore.Open(ctx.Context, path, ctx.String("login-id"), *getLogger(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open contact database: %w", err)
	}
	defer store.Close()
	n, err := store.LoadInto(ctx.Context, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load contacts: %w", err)
	}
	getLogger(ctx).Debug().Int("count", n).Str("path", path).Msg("Loaded contacts")
	return dir, nil
}

var contactFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "contacts",
		Aliases: []string{"c"},
		Usage:   "Path to a contact database created by the bridge or 'wxctl contacts import'",
		EnvVars: []string{"WXCTL_CONTACTS"},
	},
	&cli.StringFlag{
		Name:    "login-id",
		Usage:   "Bridge login the contacts belong to",
		Value:   "default",
		EnvVars: []string{"WXCTL_LOGIN_ID"},
	},
}

func main() {
	app := &cli.App{
		Name:    "wxctl",
		Usage:   "Inspect WeChat message dumps and manage the WeChat bridge",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			classifyCommand,
			normalizeCommand,
			patternsCommand,
			contactsCommand,
			registerCommand,
			unregisterCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
