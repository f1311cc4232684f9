package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/dialink/dialink/internal/config"
	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/history"
)

func main() {
	app := &cli.App{
		Name:        "dialink-historyd",
		Usage:       "Call history writer",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
			},
		},
		Action: startHistoryd,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startHistoryd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("pgx", cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err = db.Ping(); err != nil {
		return err
	}

	daemon, err := history.New(cfg.NATS.Address, core.NewCallHistoryRepository(db))
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		daemon.Shutdown()
	}()

	return daemon.Run()
}
