// Command gridselect applies a selection config to a parquet dataset and
// writes the retained points as Arrow IPC or Parquet.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/mohammed-shakir/grid-select/internal/core/observability"
	"github.com/mohammed-shakir/grid-select/internal/dataset"
	"github.com/mohammed-shakir/grid-select/internal/export"
	"github.com/mohammed-shakir/grid-select/internal/logger"
	"github.com/mohammed-shakir/grid-select/internal/pipeline"
)

type Options struct {
	// Parquet file holding the grid to select from.
	Dataset string
	// Selection config YAML; empty keeps every point.
	Config string
	// Auxiliary datasets by name, referenced from area and mask rules.
	Aux map[string]string
	// Fields to export; empty exports every field.
	Fields []string
	// Output path; a .parquet extension selects Parquet, anything else Arrow IPC.
	Output   string
	LogLevel string
}

func (o *Options) BindFlags(app *kingpin.Application, args []string) error {
	app.Flag("dataset", "Parquet dataset to select from.").
		Required().StringVar(&o.Dataset)
	app.Flag("config", "Selection config (YAML).").
		Default("").StringVar(&o.Config)
	// kingpin writes into the map, so it must exist before parsing
	o.Aux = map[string]string{}
	app.Flag("aux", "Auxiliary dataset as name=path; repeatable.").
		StringMapVar(&o.Aux)
	var fields string
	app.Flag("fields", "Comma-separated fields to export.").
		Default("").StringVar(&fields)
	app.Flag("output", "Output file (.arrow or .parquet); empty skips the export.").
		Default("").StringVar(&o.Output)
	app.Flag("log-level", "Log level.").
		Default("info").StringVar(&o.LogLevel)

	if _, err := app.Parse(args); err != nil {
		return err
	}
	o.Fields = splitFields(fields)
	return nil
}

func splitFields(raw string) []string {
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, logOut io.Writer) int {
	app := kingpin.New("gridselect", "Select points of a lat/lon grid.")
	opts := Options{}
	if err := opts.BindFlags(app, args); err != nil {
		fmt.Fprintln(logOut, err)
		return 2
	}

	zl := logger.Build(logger.Config{Level: opts.LogLevel, Component: "cli"}, logOut)
	log := logger.NewSlog(&zl)
	// no scrape endpoint for a one-shot run
	observability.Init(nil, false)

	if err := selectAndExport(context.Background(), opts, log); err != nil {
		zl.Error().Err(err).Str("dataset", opts.Dataset).Msg("selection failed")
		return 1
	}
	return 0
}

func selectAndExport(ctx context.Context, opts Options, log *slog.Logger) error {
	src, err := dataset.OpenParquet(opts.Dataset)
	if err != nil {
		return err
	}

	reg := dataset.NewRegistry()
	for name, path := range opts.Aux {
		aux, err := dataset.OpenParquet(path)
		if err != nil {
			return fmt.Errorf("aux %s: %w", name, err)
		}
		reg.Add(name, aux)
	}

	var cfg pipeline.Config
	if opts.Config != "" {
		if cfg, err = pipeline.LoadConfig(opts.Config); err != nil {
			return err
		}
	}

	name := strings.TrimSuffix(filepath.Base(opts.Dataset), filepath.Ext(opts.Dataset))
	v, err := pipeline.NewBuilder(log, reg).Build(ctx, name, src, cfg)
	if err != nil {
		return err
	}

	shape := "flat"
	if d0, d1, ok := v.GridShape(); ok {
		shape = fmt.Sprintf("%dx%d", d0, d1)
	}
	log.InfoContext(ctx, "selection",
		"dataset", name,
		"fingerprint", cfg.Fingerprint(),
		"original_points", src.PointCount(),
		"retained_points", v.PointCount(),
		"shape", shape)

	if opts.Output == "" {
		return nil
	}
	fields := opts.Fields
	if len(fields) == 0 {
		fields = v.FieldNames()
	}
	rec, err := export.Record(v, fields, nil)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(opts.Output)
	if err != nil {
		return fmt.Errorf("create %s: %w", opts.Output, err)
	}
	if strings.EqualFold(filepath.Ext(opts.Output), ".parquet") {
		err = export.WriteParquet(f, rec)
	} else {
		err = export.WriteIPC(f, rec)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", opts.Output, cerr)
	}
	return err
}
