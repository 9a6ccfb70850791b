// cmd/etl/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/gestioncompras/rotacion-etl/internal/config"
	"github.com/gestioncompras/rotacion-etl/internal/dimension"
	"github.com/gestioncompras/rotacion-etl/internal/etl"
	"github.com/gestioncompras/rotacion-etl/internal/inventarios"
	"github.com/gestioncompras/rotacion-etl/internal/rotation"
	"github.com/gestioncompras/rotacion-etl/internal/staging"
	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "etl",
		Usage: "Batch runner for the gestion_compras warehouse fact loads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			logger.SetLevel(c.String("log-level"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List available jobs, their groups and dependencies",
				Action: func(c *cli.Context) error {
					registry, err := buildRegistry(nil, config.Load(), false)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					for _, job := range registry.Jobs() {
						line := fmt.Sprintf("%-18s %s", job.Name, job.Description)
						if len(job.Groups) > 0 {
							line += fmt.Sprintf(" [groups: %s]", strings.Join(job.Groups, ", "))
						}
						if len(job.DependsOn) > 0 {
							line += fmt.Sprintf(" [depends on: %s]", strings.Join(job.DependsOn, ", "))
						}
						fmt.Println(line)
					}
					return nil
				},
			},
			{
				Name:      "run",
				Usage:     "Run the named jobs or group aliases (daily, weekly, all)",
				ArgsUsage: "[job|group ...]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "parallel",
						Usage: "Run independent jobs concurrently",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Worker bound for parallel jobs and PDV processing",
						Value: 0,
					},
					&cli.BoolFlag{
						Name:  "replace",
						Usage: "Full reload: truncate fact_rotacion and rebuild it from staging",
					},
				},
				Action: runJobs,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Log.Error().Err(err).Msg("etl run failed")
		os.Exit(1)
	}
}

func runJobs(c *cli.Context) error {
	cfg := config.Load()

	// A warehouse connection failure is the one fatal configuration error:
	// nothing can run without it.
	db, err := warehouse.NewDB(&cfg.Database)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer db.Close()

	registry, err := buildRegistry(db, cfg, c.Bool("replace"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	workers := c.Int("workers")
	if workers <= 0 {
		workers = cfg.Loader.WorkerCount
	}

	if err := registry.RunJobs(c.Context, c.Args().Slice(), c.Bool("parallel"), workers); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// buildRegistry wires the jobs over a shared warehouse pool. With a nil db
// the closures are never invoked; "list" uses that to stay offline.
func buildRegistry(db *warehouse.DB, cfg *config.Config, replace bool) (*etl.Registry, error) {
	registry := etl.NewRegistry()

	rotacionJob := &etl.Job{
		Name:        "fact_rotacion",
		Description: "Rebuild rotation metrics from the per-PDV rotation staging tables",
		Groups:      []string{"daily", "weekly"},
		Run: func(ctx context.Context) error {
			cache, err := dimension.NewProductCache(cfg.Cache)
			if err != nil {
				return err
			}

			catalog := warehouse.NewCatalog(db)
			reader := staging.NewReader(db)
			resolver := dimension.NewResolver(db, cache)
			loader := rotation.NewLoader(rotation.NewStore(db), cfg.Loader.BatchSize)

			opts := []rotation.Option{rotation.WithWorkers(cfg.Loader.WorkerCount)}
			if replace {
				opts = append(opts, rotation.WithReplaceMode())
			}

			report, err := rotation.NewOrchestrator(catalog, reader, resolver, loader, opts...).Run(ctx)
			if err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("fact_rotacion finished with %d failed pdvs", report.Failed())
			}
			return nil
		},
	}

	inventariosJob := &etl.Job{
		Name:        "fact_inventarios",
		Description: "Snapshot box-level inventory from the per-PDV inventory staging tables",
		Groups:      []string{"weekly"},
		Run: func(ctx context.Context) error {
			cache, err := dimension.NewProductCache(cfg.Cache)
			if err != nil {
				return err
			}

			catalog := warehouse.NewCatalog(db)
			reader := staging.NewReader(db)
			resolver := dimension.NewResolver(db, cache)
			loader := inventarios.NewLoader(inventarios.NewStore(db), cfg.Loader.BatchSize)

			report, err := inventarios.NewOrchestrator(catalog, reader, resolver, loader).Run(ctx)
			if err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("fact_inventarios finished with %d failed pdvs", report.Failed())
			}
			return nil
		},
	}

	for _, job := range []*etl.Job{rotacionJob, inventariosJob} {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
