package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"ptw.org/db"
	"ptw.org/internal/migrate"
	"ptw.org/internal/obs"
	"ptw.org/internal/store/pg"
)

// Globals are shared by every subcommand.
type Globals struct {
	DSN     string        `help:"PostgreSQL DSN" env:"PTW_PG_DSN" required:""`
	Timeout time.Duration `help:"overall timeout" default:"30s" env:"PTW_MIGRATE_TIMEOUT"`
	Dev     bool          `help:"human readable logs" env:"PTW_DEV"`
}

type UpCmd struct{}

func (UpCmd) Run(ctx context.Context, m *migrate.Manager, log zerolog.Logger) error {
	if err := m.Up(ctx); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}

type DownCmd struct{}

func (DownCmd) Run(ctx context.Context, m *migrate.Manager, log zerolog.Logger) error {
	if err := m.Down(ctx); err != nil {
		return err
	}
	log.Info().Msg("last migration rolled back")
	return nil
}

type SeedCmd struct{}

func (SeedCmd) Run(ctx context.Context, m *migrate.Manager, log zerolog.Logger) error {
	if err := m.Seed(ctx); err != nil {
		return err
	}
	log.Info().Msg("seeds applied")
	return nil
}

type StatusCmd struct{}

func (StatusCmd) Run(ctx context.Context, m *migrate.Manager, _ zerolog.Logger) error {
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	for _, item := range history {
		fmt.Println(item)
	}
	return nil
}

var cli struct {
	Globals `embed:""`

	Up     UpCmd     `cmd:"" help:"Apply pending migrations."`
	Down   DownCmd   `cmd:"" help:"Roll back the most recent migration."`
	Seed   SeedCmd   `cmd:"" help:"Apply demo seed data."`
	Status StatusCmd `cmd:"" help:"List applied migrations."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("ptw-migrate"),
		kong.Description("Manage the ptw database schema."),
	)

	log := obs.Setup(cli.Dev)
	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	store, err := pg.Open(cli.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	mgr := migrate.NewManager(store.DB(), db.FS, db.MigrationsDir, db.SeedsDir)

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(mgr, log)
	_ = store.Close()
	if err != nil {
		log.Error().Err(err).Str("command", kctx.Command()).Msg("migrate failed")
		os.Exit(1)
	}
}
