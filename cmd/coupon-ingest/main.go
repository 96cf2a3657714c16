// Command coupon-ingest bulk-loads coupon codes from gzip-compressed code
// lists into the coupons table. Code lists are newline-delimited files as
// delivered by campaign vendors; the loader deduplicates codes across all
// files before inserting.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dengbanghan/shop-backend/internal/domain/promotion"
	"github.com/dengbanghan/shop-backend/internal/storage/postgres"
)

const (
	dedupFPR      = 0.001
	batchSize     = 5000
	progressEvery = 1_000_000
	minCodeLen    = 6
	maxCodeLen    = 64
)

func main() {
	var (
		dataDir     string
		databaseURL string
		promotionID int64
		discount    string
		minOrder    string
		validFrom   string
		validDays   int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.gz code list files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Int64Var(&promotionID, "promotion-id", 0, "coupon promotion to attach codes to")
	flag.StringVar(&discount, "discount", "10", "discount amount per coupon")
	flag.StringVar(&minOrder, "min-order", "0", "minimum order amount to redeem")
	flag.StringVar(&validFrom, "valid-from", "", "validity window start, YYYY-MM-DD (default today)")
	flag.IntVar(&validDays, "valid-days", 30, "validity window length in days")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if promotionID == 0 {
		slog.Error("--promotion-id is required")
		os.Exit(1)
	}

	tmpl, err := buildTemplate(promotionID, discount, minOrder, validFrom, validDays)
	if err != nil {
		slog.Error("invalid coupon parameters", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, tmpl); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

// buildTemplate validates the per-coupon fields shared by every inserted code.
func buildTemplate(promotionID int64, discount, minOrder, validFrom string, validDays int) (promotion.Coupon, error) {
	amount, err := decimal.NewFromString(discount)
	if err != nil {
		return promotion.Coupon{}, errors.Wrap(err, "parse --discount")
	}
	if !amount.IsPositive() {
		return promotion.Coupon{}, errors.New("--discount must be positive")
	}

	minAmount, err := decimal.NewFromString(minOrder)
	if err != nil {
		return promotion.Coupon{}, errors.Wrap(err, "parse --min-order")
	}

	start := time.Now().Truncate(24 * time.Hour)
	if validFrom != "" {
		start, err = time.Parse("2006-01-02", validFrom)
		if err != nil {
			return promotion.Coupon{}, errors.Wrap(err, "parse --valid-from")
		}
	}
	if validDays <= 0 {
		return promotion.Coupon{}, errors.New("--valid-days must be positive")
	}

	return promotion.Coupon{
		PromotionID:    promotionID,
		DiscountAmount: amount,
		MinOrderAmount: minAmount,
		StartTime:      start,
		EndTime:        start.AddDate(0, 0, validDays),
	}, nil
}

func run(ctx context.Context, dataDir, databaseURL string, tmpl promotion.Coupon) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "list code files")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.gz code files in %s", dataDir)
	}

	// Pass 1: count codes per file concurrently to size the dedup filter.
	slog.Info("pass 1: counting codes", slog.Int("files", len(files)))

	total, err := countCodes(ctx, files)
	if err != nil {
		return errors.Wrap(err, "count codes")
	}
	if total == 0 {
		slog.Info("no codes to insert")
		return nil
	}

	slog.Info("pass 1 complete", slog.Uint64("total_codes", total))

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewPromotionRepository(pool)

	// Pass 2: stream codes again, skip duplicates, insert in batches.
	slog.Info("pass 2: inserting coupons")

	seen := bloom.NewWithEstimates(uint(total), dedupFPR)
	batch := make([]promotion.Coupon, 0, batchSize)
	var inserted uint64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := repo.CreateCoupons(ctx, batch); err != nil {
			return errors.Wrap(err, "insert coupon batch")
		}
		inserted += uint64(len(batch))
		batch = batch[:0]
		slog.Info("insert progress", slog.Uint64("inserted", inserted))
		return nil
	}

	for _, f := range files {
		if err := streamGzFile(ctx, f, func(code string) error {
			if seen.TestOrAddString(code) {
				return nil
			}
			c := tmpl
			c.Code = code
			batch = append(batch, c)
			if len(batch) == batchSize {
				return flush()
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	slog.Info("coupons inserted", slog.Uint64("count", inserted))
	return nil
}

// countCodes streams every file concurrently and returns the number of codes
// of acceptable length across all of them. The count includes duplicates,
// which only makes the dedup filter slightly oversized.
func countCodes(ctx context.Context, files []string) (uint64, error) {
	counts := make([]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(countFile(ctx, i, f, counts))
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total uint64
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func countFile(ctx context.Context, idx int, path string, counts []uint64) func() error {
	return func() error {
		var count uint64
		if err := streamGzFile(ctx, path, func(string) error {
			count++
			if count%progressEvery == 0 {
				slog.Info("pass 1 progress",
					slog.Int("file", idx+1),
					slog.Uint64("codes", count),
				)
			}
			return nil
		}); err != nil {
			return errors.Wrapf(err, "count file %d", idx+1)
		}
		counts[idx] = count
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line whose
// length falls within the accepted code range.
func streamGzFile(ctx context.Context, path string, fn func(code string) error) error {
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
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := scanner.Text()
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			continue
		}
		if err := fn(code); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}
