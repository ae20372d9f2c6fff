// Command event-backfill projects archived order events into a read store.
//
// Archives are gzip-compressed files with one JSON event envelope per line.
// Files are processed concurrently. Versioned events are guarded by version and
// unversioned ones by timestamp, so the relative order of files does not
// matter.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orders-cqrs/db"
	"github.com/xenking/orders-cqrs/internal/directory"
	"github.com/xenking/orders-cqrs/internal/domain/order"
	"github.com/xenking/orders-cqrs/internal/domain/readmodel"
	"github.com/xenking/orders-cqrs/internal/domain/user"
	"github.com/xenking/orders-cqrs/internal/projector"
	"github.com/xenking/orders-cqrs/internal/repository"
	"github.com/xenking/orders-cqrs/internal/storage/sqlite"
)

const (
	progressEvery = 100_000
	maxLineBytes  = 4 << 20
)

type options struct {
	pattern      string
	readURL      string
	readPath     string
	directoryURL string
	parallel     int
}

// stats counts outcomes across all files.
type stats struct {
	lines   atomic.Int64
	applied atomic.Int64
	skipped atomic.Int64
	parked  atomic.Int64
	invalid atomic.Int64
}

func main() {
	var opts options
	flag.StringVar(&opts.pattern, "files", "data/*.ndjson.gz", "glob of gzip NDJSON event archives")
	flag.StringVar(&opts.readURL, "read-url", "", "PostgreSQL read store URL (or DATABASE_URL env)")
	flag.StringVar(&opts.readPath, "read-path", "", "SQLite read store file, used when no read URL is set")
	flag.StringVar(&opts.directoryURL, "directory-url", "", "user service base URL for enrichment; empty leaves rows unenriched")
	flag.IntVar(&opts.parallel, "parallel", 4, "files processed at once")
	flag.Parse()

	if opts.readURL == "" {
		opts.readURL = os.Getenv("DATABASE_URL")
	}
	if opts.readURL == "" && opts.readPath == "" {
		slog.Error("read store is required: set --read-url, DATABASE_URL or --read-path")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("event backfill failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("event backfill completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", opts.pattern)
	}
	if len(files) == 0 {
		slog.Info("no archives matched", slog.String("pattern", opts.pattern))
		return nil
	}

	rows, closeStore, err := openStore(ctx, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	var users user.Directory = directory.NewStatic()
	if opts.directoryURL != "" {
		if users, err = directory.NewClient(opts.directoryURL, 5*time.Second); err != nil {
			return errors.Wrap(err, "create directory client")
		}
	}
	p := projector.New(rows, users)

	slog.Info("backfilling", slog.Int("files", len(files)), slog.Int("parallel", opts.parallel))
	start := time.Now()

	var st stats
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.parallel))
	for _, path := range files {
		g.Go(func() error {
			return backfillFile(ctx, p, path, &st)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("backfill summary",
		slog.Int64("lines", st.lines.Load()),
		slog.Int64("applied", st.applied.Load()),
		slog.Int64("skipped", st.skipped.Load()),
		slog.Int64("parked", st.parked.Load()),
		slog.Int64("invalid", st.invalid.Load()),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func openStore(ctx context.Context, opts options) (readmodel.Store, func(), error) {
	if opts.readURL == "" {
		store, err := sqlite.Open(opts.readPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open sqlite read store")
		}
		return store, func() { _ = store.Close() }, nil
	}

	pool, err := repository.NewPool(ctx, opts.readURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to read store")
	}
	if err := repository.RunMigrations(ctx, pool, db.ReadSchema); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "migrate read store")
	}
	return repository.NewReadModelRepository(pool), pool.Close, nil
}

// backfillFile applies every event of one archive. Undecodable lines are
// logged and counted; store errors abort the run.
func backfillFile(ctx context.Context, p *projector.Processor, path string, st *stats) error {
	var n int64
	err := streamGzFile(ctx, path, func(line []byte) error {
		n++
		if st.lines.Add(1)%progressEvery == 0 {
			slog.Info("backfill progress", slog.Int64("lines", st.lines.Load()))
		}
		if len(line) == 0 {
			return nil
		}

		evt, err := order.UnmarshalEvent(line)
		if err != nil {
			st.invalid.Add(1)
			slog.Warn("skipping undecodable event",
				slog.String("file", path),
				slog.Int64("line", n),
				slog.String("error", err.Error()),
			)
			return nil
		}

		out, err := p.Apply(ctx, evt)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, n)
		}
		switch out {
		case readmodel.Applied:
			st.applied.Add(1)
		case readmodel.Stale:
			st.skipped.Add(1)
		case readmodel.Orphan:
			st.parked.Add(1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("archive complete", slog.String("file", path), slog.Int64("lines", n))
	return nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
