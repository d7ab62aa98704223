package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"marketcore.org/internal/migrate"
	"marketcore.org/internal/obs"
)

const (
	fDSN     = "dsn"
	fTimeout = "timeout"
)

func main() {
	app := &cli.App{
		Name:  "migrate",
		Usage: "apply the embedded marketcore schema and seeds",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: fDSN, Usage: "PostgreSQL DSN", EnvVars: []string{"MARKET_PG_DSN"}, Required: true},
			&cli.DurationFlag{Name: fTimeout, Value: 30 * time.Second},
		},
		Commands: []*cli.Command{
			{Name: "up", Usage: "apply pending migrations", Action: run(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				report("applied", applied)
				return err
			})},
			{Name: "down", Usage: "revert the latest migration", Action: run(func(ctx context.Context, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if name != "" {
					report("reverted", []string{name})
				}
				return err
			})},
			{Name: "seed", Usage: "load demo data", Action: run(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Seed(ctx)
				report("seeded", applied)
				return err
			})},
			{Name: "status", Usage: "list applied migrations", Action: run(func(ctx context.Context, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				for _, item := range history {
					fmt.Println(item)
				}
				return err
			})},
		},
	}

	if err := app.Run(os.Args); err != nil {
		obs.Logger().WithError(err).Fatal("migrate")
	}
}

func run(fn func(ctx context.Context, m *migrate.Manager) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(c.Context, c.Duration(fTimeout))
		defer cancel()

		db, err := sql.Open("pgx", c.String(fDSN))
		if err != nil {
			return errors.Wrap(err, "open db")
		}
		defer db.Close()

		return errors.WithMessage(fn(ctx, migrate.NewManager(db)), c.Command.Name)
	}
}

func report(verb string, names []string) {
	if len(names) == 0 {
		fmt.Printf("nothing %s\n", verb)
		return
	}
	for _, n := range names {
		fmt.Printf("%s %s\n", verb, n)
	}
}
