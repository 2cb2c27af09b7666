// Copyright 2026 The yapyap Authors
// This file is part of the yapyap library.
//
// The yapyap library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The yapyap library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the yapyap library. If not, see <http://www.gnu.org/licenses/>.

// yapyap runs a message delivery node. Configuration comes from
// YAPYAP_* environment variables (a .env file is honoured), with a few
// common overrides available as flags.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/yapyap/yapyap/node"
	"github.com/yapyap/yapyap/transport/memory"
)

func main() {
	app := &cli.App{
		Name:  "yapyap",
		Usage: "decentralized message delivery node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "load environment from `FILE`", Value: ".env"},
			&cli.StringFlag{Name: "data-dir", Usage: "override YAPYAP_DATA_DIR"},
			&cli.StringFlag{Name: "admin-addr", Usage: "override YAPYAP_ADMIN_ADDR"},
			&cli.StringFlag{Name: "log-level", Usage: "override YAPYAP_LOG_LEVEL"},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the node and serve until interrupted",
				Action: runNode,
			},
			{
				Name:   "id",
				Usage:  "print the node's peer id",
				Action: printID,
			},
		},
		DefaultCommand: "run",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "yapyap:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (node.Config, zerolog.Logger, error) {
	// Missing .env files are fine; explicit ones must exist.
	if err := godotenv.Load(c.String("env-file")); err != nil && c.IsSet("env-file") {
		return node.Config{}, zerolog.Nop(), err
	}
	cfg, err := node.FromEnv()
	if err != nil {
		return node.Config{}, zerolog.Nop(), err
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("admin-addr"); v != "" {
		cfg.AdminAddr = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return node.Config{}, zerolog.Nop(), fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
	return cfg, log, nil
}

func runNode(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	// The process-local transport serves single-host deployments and
	// development; production deployments plug in a networked
	// transport.Factory via the node package.
	n := node.New(cfg, memory.NewNetwork().Factory(), log)
	if err := n.Start(); err != nil {
		return err
	}
	log.Info().Str("peer", string(n.Self())).Msg("running, ctrl-c to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return n.Stop()
}

func printID(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	n := node.New(cfg, memory.NewNetwork().Factory(), log.Level(zerolog.Disabled))
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()
	fmt.Println(n.Self())
	return nil
}
