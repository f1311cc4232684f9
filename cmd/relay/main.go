package main

import (
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dialink/dialink/internal/config"
	"github.com/dialink/dialink/internal/core"
	"github.com/dialink/dialink/internal/relay"
)

func main() {
	app := &cli.App{
		Name:        "dialink-relay",
		Usage:       "Signaling relay server",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment: either 'development' or 'production'",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':8080'",
			},
		},
		Action: startRelay,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startRelay(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if env := c.String("env"); env != "" {
		cfg.Env = core.Environment(env)
	}
	if address := c.String("address"); address != "" {
		cfg.Relay.Address = address
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Address,
		DB:   0,
	})

	nc, err := nats.Connect(cfg.NATS.Address, nats.NoEcho())
	if err != nil {
		return err
	}
	defer nc.Drain()

	hub := relay.NewHub(relay.NewRedisPresence(rdb), nc)

	relayApp := relay.New(relay.AppOptions{
		Env:         cfg.Env,
		Address:     cfg.Relay.Address,
		Hub:         hub,
		TokenIssuer: relay.NewTokenIssuer(cfg.Relay.TokenSecret),
	})

	return relayApp.Start()
}
