package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/config"
	"kstore/device"
	"kstore/export"
	"kstore/logger"
	"kstore/store"
)

// app holds the state shared by every subcommand
type app struct {
	configPath string
	name       string
	directory  string
	schema     string

	cfg *config.Config
	dev device.Device
	log *zap.Logger
}

func newRoot() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "kstore",
		Short:         "columnar bucket store tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&a.name, "store", "TheWorld", "store name")
	flags.StringVar(&a.directory, "dir", "data", "store directory on the device")
	flags.StringVar(&a.schema, "schema", countrySchema, "columns as name:type[:computed],...")

	root.AddCommand(
		a.sampleCmd(),
		a.scanCmd(),
		a.deleteCmd(),
		a.compactCmd(),
		a.statCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	dev, err := device.FromConfig(ctx, cfg.Device)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.dev = dev
	a.log = logger.Named("cli")
	return nil
}

// newStore builds the store without reading its index
func (a *app) newStore() (*store.Store, error) {
	cols, err := parseSchema(a.schema)
	if err != nil {
		return nil, err
	}
	return store.New(a.name, cols, a.directory, a.dev, a.cfg.Bucket, store.WithLogger(a.log))
}

// openStore builds the store and loads its saved index
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	s, err := a.newStore()
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func bucketArg(s *store.Store, path string) (store.Bucket, error) {
	b, ok := s.Bucket(path)
	if !ok {
		return nil, errors.Newf("no bucket %q in store %s", path, s.Name())
	}
	return b, nil
}

func printLines(ctx context.Context, w io.Writer, s *store.Store, b store.Bucket, cols []int, names []string) (int, error) {
	ids, err := parseIDs(names)
	if err != nil {
		return 0, err
	}
	n := 0
	line := columnar.NewLine(s.NumColumns())
	err = b.ReadLines(ctx, line, cols, ids, func(rowID uint32, line columnar.Line) bool {
		fields := make([]string, 0, len(cols)+1)
		fields = append(fields, fmt.Sprintf("@%d", rowID))
		for _, c := range cols {
			fields = append(fields, fmt.Sprint(line[c]))
		}
		fmt.Fprintln(w, strings.Join(fields, " "))
		n++
		return true
	})
	return n, err
}

func (a *app) sampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "write, read, save and reload a small country table",
		Long: `
Create a bucket in the country schema, add a few rows, commit them and print
them back. The store index is then saved, reloaded in a fresh store and the
rows are printed a second time.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			a.schema = countrySchema
			s, err := a.newStore()
			if err != nil {
				return err
			}
			defer s.Close()

			b, err := s.NewBucket()
			if err != nil {
				return err
			}
			rows := [][]any{
				{"Europe", "France", int64(67795000), 123.0},
				{"Europe", "Spain", int64(47450795), 94.0},
				{"Asia", "Japan", int64(125700000), 332.5},
				{"Africa", "Kenya", int64(54030000), 94.3},
			}
			for i, r := range rows {
				if err := b.Add(uint32(i), r...); err != nil {
					return err
				}
			}
			if err := b.Commit(ctx); err != nil {
				return err
			}
			cols, _ := columnIndexes(s.Columns(), nil)
			if _, err := printLines(ctx, out, s, b, cols, nil); err != nil {
				return err
			}
			if err := s.Save(ctx); err != nil {
				return err
			}

			reopened, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer reopened.Close()
			rb, err := bucketArg(reopened, b.Path())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "reloaded %s\n", rb.Path())
			_, err = printLines(ctx, out, reopened, rb, cols, nil)
			return err
		},
	}
}

func (a *app) scanCmd() *cobra.Command {
	var columns, ids []string
	cmd := &cobra.Command{
		Use:   "scan <bucket>",
		Short: "print the committed rows of a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			b, err := bucketArg(s, args[0])
			if err != nil {
				return err
			}
			cols, err := columnIndexes(s.Columns(), columns)
			if err != nil {
				return err
			}
			n, err := printLines(cmd.Context(), cmd.OutOrStdout(), s, b, cols, ids)
			if err != nil {
				return err
			}
			a.log.Debug("scan finished", zap.String("bucket", b.Path()), zap.Int("rows", n))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to print, all when empty")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "row ids or ranges to keep, e.g. 1,4-7")
	return cmd
}

// deletion flags shared by delete and compact
type deletion struct {
	ids  []string
	rows []uint
}

func (d *deletion) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&d.ids, "ids", nil, "row ids or ranges to delete, e.g. 1,4-7")
	cmd.Flags().UintSliceVar(&d.rows, "rows", nil, "row numbers to delete")
}

func (d *deletion) mark(b store.Bucket) error {
	if len(d.ids) == 0 && len(d.rows) == 0 {
		return errors.New("nothing to delete, pass --ids or --rows")
	}
	bm, err := parseIDs(d.ids)
	if err != nil {
		return err
	}
	if bm != nil {
		it := bm.Iterator()
		for it.HasNext() {
			b.DeleteByRowID(it.Next())
		}
	}
	for _, n := range d.rows {
		b.DeleteByRowNumber(uint64(n))
	}
	return nil
}

// withBucket opens the store, runs fn on the named bucket and saves the index
func (a *app) withBucket(ctx context.Context, path string, fn func(s *store.Store, b store.Bucket) error) error {
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	b, err := bucketArg(s, path)
	if err != nil {
		return err
	}
	if err := fn(s, b); err != nil {
		return err
	}
	return s.Save(ctx)
}

func (a *app) deleteCmd() *cobra.Command {
	var d deletion
	cmd := &cobra.Command{
		Use:   "delete <bucket>",
		Short: "delete rows by id or row number and commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBucket(ctx, args[0], func(s *store.Store, b store.Bucket) error {
				before := b.RowCountCommitted()
				if err := d.mark(b); err != nil {
					return err
				}
				if err := b.Commit(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows removed, %d left\n",
					b.Path(), before-b.RowCountCommitted(), b.RowCountCommitted())
				return nil
			})
		},
	}
	d.register(cmd)
	return cmd
}

func (a *app) compactCmd() *cobra.Command {
	var d deletion
	cmd := &cobra.Command{
		Use:   "compact <bucket>",
		Short: "remove rows and rewrite the bucket",
		Long: `
Mark rows as deleted and rewrite the committed data without them. A page
bucket ends with a single generation; a stream bucket gets fresh files.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBucket(ctx, args[0], func(s *store.Store, b store.Bucket) error {
				if err := d.mark(b); err != nil {
					return err
				}
				if err := b.Compact(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d bytes\n",
					b.Path(), b.RowCountCommitted(), b.ByteSizeCommitted())
				return nil
			})
		},
	}
	d.register(cmd)
	return cmd
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "print bucket counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUCKET\tKIND\tROWS\tBYTES\tGENERATIONS\tPAGES\tMIN KEY")
			for _, b := range s.Buckets() {
				gens, pages := "-", "-"
				if pb, ok := b.(*store.PageBucket); ok {
					n := 0
					for _, g := range pb.Generations() {
						n += g.Pages()
					}
					gens = fmt.Sprint(len(pb.Generations()))
					pages = fmt.Sprint(n)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%q\n", b.Path(), b.Kind(),
					b.RowCountCommitted(), b.ByteSizeCommitted(), gens, pages, b.MinRowKey())
			}
			return tw.Flush()
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var columns []string
	var output string
	cmd := &cobra.Command{
		Use:   "export <bucket>",
		Short: "write a bucket as a parquet file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			b, err := bucketArg(s, args[0])
			if err != nil {
				return err
			}
			cols, err := columnIndexes(s.Columns(), columns)
			if err != nil {
				return err
			}
			if output == "" {
				output = b.Path() + ".parquet"
			}
			f, err := os.Create(output)
			if err != nil {
				return errors.Wrapf(err, "failed to create %s", output)
			}
			n, err := export.Parquet(ctx, f, s, b, cols)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows written to %s\n", b.Path(), n, output)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to export, all when empty")
	cmd.Flags().StringVarP(&output, "output", "o", "", "parquet file, defaults to <bucket>.parquet")
	return cmd
}
