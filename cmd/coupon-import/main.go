// Command coupon-import bulk-loads coupon definitions from gzip-compressed CSV
// files. Each row is
//
//	code,type,value[,min_order_value[,max_discount[,usage_limit[,expires_at]]]]
//
// where type is percentage or fixed and expires_at is RFC 3339. A code that
// appears in more than one file is skipped.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	var (
		pattern     string
		databaseURL string
		expected    uint
		fpr         float64
		batchSize   int
	)
	flag.StringVar(&pattern, "files", "data/coupons*.csv.gz", "glob of gzip CSV files to import")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected codes per file, sizes the bloom filters")
	flag.Float64Var(&fpr, "false-positive-rate", 0.001, "bloom filter false positive rate")
	flag.IntVar(&batchSize, "batch-size", 500, "rows per database round trip")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if batchSize < 1 || expected < 1 || fpr <= 0 || fpr >= 1 {
		lg.Fatal("Invalid tuning flags",
			zap.Int("batch_size", batchSize),
			zap.Uint("expected_codes", expected),
			zap.Float64("false_positive_rate", fpr),
		)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	files, err := filepath.Glob(pattern)
	if err != nil {
		lg.Fatal("Bad files pattern", zap.Error(err))
	}

	if err := run(ctx, lg, databaseURL, files, expected, fpr, batchSize); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, files []string, expected uint, fpr float64, batchSize int) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	im := &importer{
		lg:        lg,
		out:       postgres.NewCouponRepository(postgres.NewTransactor(pool)),
		expected:  expected,
		fpr:       fpr,
		batchSize: batchSize,
	}
	report, err := im.Run(ctx, files)
	if err != nil {
		return err
	}
	lg.Info("Coupon import completed",
		zap.Int("files", len(files)),
		zap.Int("imported", report.Imported),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("invalid", report.Invalid),
	)
	return nil
}
