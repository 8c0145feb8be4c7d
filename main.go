package main

import (
	"os"

	"github.com/alecthomas/kong"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

type Context struct {
	Debug  bool
	Logger *slog.Logger

	gorm.Config
	Dialector gorm.Dialector
}

// open connects to the database with the driver selected at build time.
func (c *Context) open() (*gorm.DB, error) {
	db, err := gorm.Open(c.Dialector, &c.Config)
	if err != nil {
		return nil, err
	}
	return db, configureDB(db)
}

var cli struct {
	Debug bool   `help:"Enable debug mode."`
	DSN   string `required:"" help:"data source name"`

	Serve        ServeCmd        `cmd:"" help:"Serve the federation web server."`
	Dispatch     DispatchCmd     `cmd:"" help:"Run the inter-worker dispatcher."`
	AutoMigrate  AutoMigrateCmd  `cmd:"" help:"Create or update the database schema."`
	CreateUser   CreateUserCmd   `cmd:"" help:"Create a local user."`
	DeleteUser   DeleteUserCmd   `cmd:"" help:"Delete a local user."`
	Follow       FollowCmd       `cmd:"" help:"Follow a remote actor."`
	Housekeeping HousekeepingCmd `cmd:"" help:"Sweep expired dialback state."`
}

func main() {
	ctx := kong.Parse(&cli)
	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	err := ctx.Run(&Context{
		Debug:  cli.Debug,
		Logger: logger,
		Config: gorm.Config{
			TranslateError: true,
		},
		Dialector: newDialector(cli.DSN),
	})
	ctx.FatalIfErrorf(err)
}
