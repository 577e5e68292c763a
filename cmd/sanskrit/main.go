package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rhino1998/sanskrit/pkg/bundle"
	"github.com/rhino1998/sanskrit/pkg/bytecode"
	"github.com/rhino1998/sanskrit/pkg/deploy"
	"github.com/rhino1998/sanskrit/pkg/executor"
	"github.com/rhino1998/sanskrit/pkg/extern"
	"github.com/rhino1998/sanskrit/pkg/receipt"
	"github.com/rhino1998/sanskrit/pkg/store"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:  "sanskrit",
		Usage: "Deploy modules and execute transaction bundles",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite database holding deployed state",
				Value: "sanskrit.db",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML executor configuration",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "deploy-module",
				Usage:     "Type check and store encoded modules",
				ArgsUsage: "FILE...",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() == 0 {
						return fmt.Errorf("must provide at least one module file as argument")
					}

					env, err := open(ctx, c)
					if err != nil {
						return err
					}
					defer env.Close()

					bufs, err := readFiles(c.Args().Slice())
					if err != nil {
						return err
					}

					deployer, err := env.deployer()
					if err != nil {
						return err
					}

					hashes, err := deployer.Modules(ctx, bufs)
					for _, h := range hashes {
						fmt.Println(h)
					}
					return err
				},
			},
			{
				Name:      "deploy-descriptor",
				Usage:     "Validate and store encoded transaction descriptors",
				ArgsUsage: "FILE...",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() == 0 {
						return fmt.Errorf("must provide at least one descriptor file as argument")
					}

					env, err := open(ctx, c)
					if err != nil {
						return err
					}
					defer env.Close()

					bufs, err := readFiles(c.Args().Slice())
					if err != nil {
						return err
					}

					deployer, err := env.deployer()
					if err != nil {
						return err
					}

					for _, buf := range bufs {
						h, err := deployer.Descriptor(ctx, buf)
						if err != nil {
							return err
						}
						fmt.Println(h)
					}
					return nil
				},
			},
			{
				Name:      "inspect",
				Usage:     "Print a readable listing of an encoded descriptor",
				ArgsUsage: "FILE",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("must provide exactly one descriptor file as argument")
					}

					config, err := loadConfig(c)
					if err != nil {
						return err
					}

					buf, err := os.ReadFile(c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to read descriptor: %w", err)
					}

					desc, err := bytecode.Decode(buf, config.MaxStructuralDepth)
					if err != nil {
						return err
					}

					return bytecode.Dump(os.Stdout, desc)
				},
			},
			{
				Name:      "verify",
				Usage:     "Run admission checks on bundles without executing them",
				ArgsUsage: "BUNDLE...",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "block",
						Required: true,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() == 0 {
						return fmt.Errorf("must provide at least one bundle file as argument")
					}

					env, err := open(ctx, c)
					if err != nil {
						return err
					}
					defer env.Close()

					bufs, err := readFiles(c.Args().Slice())
					if err != nil {
						return err
					}

					ex, err := env.executor()
					if err != nil {
						return err
					}

					return ex.VerifyAll(ctx, bufs, c.Uint("block"))
				},
			},
			{
				Name:      "execute",
				Usage:     "Execute a bundle and commit its effects",
				ArgsUsage: "BUNDLE",
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:     "block",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "receipt",
						Usage: "write a CBOR receipt to this path",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("must provide exactly one bundle file as argument")
					}

					env, err := open(ctx, c)
					if err != nil {
						return err
					}
					defer env.Close()

					buf, err := os.ReadFile(c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to read bundle: %w", err)
					}

					b, err := bundle.Decode(buf, env.config.MaxStructuralDepth)
					if err != nil {
						return err
					}
					bh, err := b.Hash()
					if err != nil {
						return err
					}

					ex, err := env.executor()
					if err != nil {
						return err
					}

					block := c.Uint("block")
					rec := receipt.NewRecorder()
					_, execErr := ex.Execute(ctx, buf, block, rec)

					rcpt := rec.Receipt(bh, block, len(b.Sections))
					for _, line := range logLines(rcpt) {
						fmt.Println(line)
					}

					if path := c.String("receipt"); path != "" {
						data, err := receipt.Marshal(rcpt)
						if err != nil {
							return errors.Join(execErr, err)
						}
						if err := os.WriteFile(path, data, 0o644); err != nil {
							return errors.Join(execErr, fmt.Errorf("failed to write receipt: %w", err))
						}
					}

					return execErr
				},
			},
		},
	}

	err := cmd.Run(ctx, os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

type env struct {
	logger  *slog.Logger
	config  executor.Config
	db      *store.SQLite
	overlay *store.Overlay
}

func open(ctx context.Context, c *cli.Command) (*env, error) {
	config, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := store.OpenSQLite(ctx, c.String("db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &env{
		logger:  logger,
		config:  config,
		db:      db,
		overlay: store.NewOverlay(db),
	}, nil
}

func (e *env) Close() error {
	return e.db.Close()
}

func (e *env) deployer() (*deploy.Deployer, error) {
	config := deploy.DefaultConfig()
	config.MaxStructuralDepth = e.config.MaxStructuralDepth

	d, err := deploy.New(e.logger, e.overlay, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize deployer: %w", err)
	}
	return d, nil
}

func (e *env) executor() (*executor.Executor, error) {
	ex, err := executor.New(e.logger, e.config, e.overlay, extern.DefaultFuncs())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}
	return ex, nil
}

func loadConfig(c *cli.Command) (executor.Config, error) {
	path := c.String("config")
	if path == "" {
		return executor.DefaultConfig(), nil
	}
	return executor.LoadConfig(path)
}

func readFiles(paths []string) ([][]byte, error) {
	bufs := make([][]byte, len(paths))
	for i, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		bufs[i] = buf
	}
	return bufs, nil
}

func logLines(r *receipt.Receipt) []string {
	var lines []string
	for _, s := range r.Sections {
		for _, t := range s.Txns {
			for _, l := range t.Logs {
				lines = append(lines, fmt.Sprintf("%d.%d: %s", s.Index, t.Index, l))
			}
		}
	}
	return lines
}
