package migrate

import (
	"errors"

	"github.com/andrebq/authbox/credstore"
	"github.com/andrebq/authbox/internal/cmdflags"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/urfave/cli/v2"
)

var (
	errPostgresOnly = errors.New("only postgres databases keep a migration history")
)

func Cmd() *cli.Command {
	var database string
	var store credstore.Store
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Flags: []cli.Flag{
			cmdflags.Database(&database),
		},
		Before: func(ctx *cli.Context) error {
			var err error
			store, err = credstore.Open(ctx.Context, database)
			return err
		},
		After: func(ctx *cli.Context) error {
			if store != nil {
				return store.Close()
			}
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply pending migrations",
				Action: func(ctx *cli.Context) error {
					m, ok := store.(credstore.Migrator)
					if !ok {
						lg := logutil.GetOrDefault(ctx.Context)
						lg.Info().Msg("Database has no schema to migrate")
						return nil
					}
					err := m.Migrate(ctx.Context)
					if err != nil {
						return err
					}
					lg := logutil.GetOrDefault(ctx.Context)
					lg.Info().Msg("Migrations applied")
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show applied and pending migrations",
				Action: func(ctx *cli.Context) error {
					pg, ok := store.(*credstore.Postgres)
					if !ok {
						return errPostgresOnly
					}
					return pg.MigrationStatus(ctx.Context)
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the latest migration",
				Action: func(ctx *cli.Context) error {
					pg, ok := store.(*credstore.Postgres)
					if !ok {
						return errPostgresOnly
					}
					return pg.MigrateDown(ctx.Context)
				},
			},
		},
	}
}
