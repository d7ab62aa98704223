// Command sweep runs one settlement sweep, either in-process against
// Postgres or remotely through the API's gRPC settlement service.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"marketcore.org/internal/auth"
	"marketcore.org/internal/clock"
	"marketcore.org/internal/config"
	"marketcore.org/internal/ledger"
	"marketcore.org/internal/obs"
	"marketcore.org/internal/rpc"
	"marketcore.org/internal/store/pg"
)

const (
	fRemote  = "remote"
	fTimeout = "timeout"
)

func main() {
	app := &cli.App{
		Name:  "sweep",
		Usage: "release cleared seller funds",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: fRemote, Usage: "gRPC address of a running API; empty runs against MARKET_PG_DSN", EnvVars: []string{"MARKET_SWEEP_REMOTE"}},
			&cli.DurationFlag{Name: fTimeout, Value: 5 * time.Minute},
		},
		Action: sweep,
	}
	if err := app.Run(os.Args); err != nil {
		obs.Logger().WithError(err).Fatal("sweep")
	}
}

func sweep(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration(fTimeout))
	defer cancel()

	var released int64
	if addr := c.String(fRemote); addr != "" {
		released, err = remote(ctx, cfg, addr)
	} else {
		released, err = local(ctx, cfg)
	}
	fmt.Printf("released %d transactions\n", released)
	return err
}

func remote(ctx context.Context, cfg config.Config, addr string) (int64, error) {
	v, err := auth.NewVerifier(cfg.AuthSecret)
	if err != nil {
		return 0, errors.Wrap(err, "remote sweep needs MARKET_AUTH_SECRET")
	}
	token, err := v.GenerateToken("settlement-sweep", []string{auth.RoleSystem}, 10*time.Minute)
	if err != nil {
		return 0, err
	}
	client, err := rpc.Dial(addr, token)
	if err != nil {
		return 0, errors.Wrapf(err, "dial %s", addr)
	}
	defer client.Close()
	return client.ReleaseCleared(ctx)
}

func local(ctx context.Context, cfg config.Config) (int64, error) {
	if cfg.PGDSN == "" {
		return 0, errors.New("MARKET_PG_DSN is required without --remote")
	}
	st, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	led := ledger.NewService(st, clock.NewSystem(), ledger.WithConfig(cfg.Ledger()))
	txs, err := led.ReleaseCleared(ctx)
	return int64(len(txs)), err
}
