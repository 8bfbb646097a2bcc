package main

import (
	"context"
	"encoding/csv"
	"io"
	"math/bits"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shop-checkout/internal/domain/coupon"
)

const progressEvery = 1_000_000

// couponWriter persists a batch of coupon definitions.
type couponWriter interface {
	UpsertBatch(ctx context.Context, coupons []coupon.Coupon) (int, error)
}

// Report summarizes an import.
type Report struct {
	Imported int
	// Conflicts counts distinct codes defined in more than one file.
	Conflicts int
	Invalid   int
}

// importer loads coupon definitions from gzip-compressed CSV files. Codes
// defined in more than one file are ambiguous and skipped. Per-file bloom
// filters keep memory bounded: only rows whose code might appear in another
// file are held until all files are scanned.
type importer struct {
	lg        *zap.Logger
	out       couponWriter
	expected  uint
	fpr       float64
	batchSize int

	invalid atomic.Int64
}

// Run imports files. At most bits.UintSize files are supported.
func (im *importer) Run(ctx context.Context, files []string) (Report, error) {
	if len(files) == 0 {
		return Report{}, errors.New("no input files")
	}
	if len(files) > bits.UintSize {
		return Report{}, errors.Errorf("at most %d files per import", bits.UintSize)
	}

	im.lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := im.buildFilters(ctx, files)
	if err != nil {
		return Report{}, errors.Wrap(err, "build bloom filters")
	}

	im.lg.Info("Pass 2: importing unique codes")
	held := make([]map[string]coupon.Coupon, len(files))
	batches := make(chan []coupon.Coupon, len(files))

	var imported int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		sg, sctx := errgroup.WithContext(gctx)
		for i, path := range files {
			sg.Go(func() error {
				return im.scanFile(sctx, i, path, filters, held, batches)
			})
		}
		return sg.Wait()
	})
	g.Go(func() error {
		for b := range batches {
			n, err := im.out.UpsertBatch(gctx, b)
			if err != nil {
				return errors.Wrap(err, "write batch")
			}
			imported += n
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	unique, conflicts := resolveHeld(held)
	for _, code := range conflicts {
		im.lg.Debug("Skipping code defined in several files", zap.String("code", code))
	}
	for chunk := range slices.Chunk(unique, im.batchSize) {
		n, err := im.out.UpsertBatch(ctx, chunk)
		if err != nil {
			return Report{}, errors.Wrap(err, "write held batch")
		}
		imported += n
	}

	return Report{
		Imported:  imported,
		Conflicts: len(conflicts),
		Invalid:   int(im.invalid.Load()),
	}, nil
}

// buildFilters creates one bloom filter per file, concurrently.
func (im *importer) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(im.expected, im.fpr)
			var count int
			err := readRecords(ctx, path, func(rec []string, err error) {
				if err != nil {
					return
				}
				c, err := parseRecord(rec)
				if err != nil {
					return
				}
				filter.AddString(c.Code)
				count++
				if count%progressEvery == 0 {
					im.lg.Info("Pass 1 progress", zap.String("file", path), zap.Int("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			im.lg.Info("Pass 1 complete", zap.String("file", path), zap.Int("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// scanFile sends rows whose code no other file may define to out in batches,
// and keeps the remaining rows in held[idx].
func (im *importer) scanFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	held []map[string]coupon.Coupon,
	out chan<- []coupon.Coupon,
) error {
	candidates := make(map[string]coupon.Coupon)
	batch := make([]coupon.Coupon, 0, im.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = make([]coupon.Coupon, 0, im.batchSize)
		return nil
	}

	var (
		count   int
		sendErr error
	)
	err := readRecords(ctx, path, func(rec []string, err error) {
		if sendErr != nil {
			return
		}
		var c coupon.Coupon
		if err == nil {
			c, err = parseRecord(rec)
		}
		if err != nil {
			im.invalid.Add(1)
			im.lg.Debug("Skipping invalid row", zap.String("file", path), zap.Error(err))
			return
		}

		count++
		if count%progressEvery == 0 {
			im.lg.Info("Pass 2 progress", zap.String("file", path), zap.Int("codes", count))
		}

		for j, f := range filters {
			if j != idx && f.TestString(c.Code) {
				candidates[c.Code] = c
				return
			}
		}
		batch = append(batch, c)
		if len(batch) == im.batchSize {
			sendErr = flush()
		}
	})
	if err == nil {
		err = sendErr
	}
	if err == nil {
		err = flush()
	}
	if err != nil {
		return errors.Wrapf(err, "scan file %d", idx+1)
	}

	im.lg.Info("Pass 2 complete",
		zap.String("file", path),
		zap.Int("codes", count),
		zap.Int("held", len(candidates)),
	)
	held[idx] = candidates
	return nil
}

// resolveHeld merges the held rows of all files. Codes held by a single file
// were bloom false positives and are returned for import; the rest conflict.
func resolveHeld(held []map[string]coupon.Coupon) (unique []coupon.Coupon, conflicts []string) {
	masks := make(map[string]uint)
	for i, m := range held {
		for code := range m {
			masks[code] |= 1 << uint(i)
		}
	}
	for code, mask := range masks {
		if bits.OnesCount(mask) > 1 {
			conflicts = append(conflicts, code)
			continue
		}
		unique = append(unique, held[bits.TrailingZeros(mask)][code])
	}
	slices.SortFunc(unique, func(a, b coupon.Coupon) int { return strings.Compare(a.Code, b.Code) })
	slices.Sort(conflicts)
	return unique, conflicts
}

// readRecords streams the CSV rows of a gzip file to fn. Malformed rows are
// passed with their parse error; a leading header row is skipped.
func readRecords(ctx context.Context, path string, fn func(rec []string, err error)) error {
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

	r := csv.NewReader(gz)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			fn(nil, perr)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		if first && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "code") {
			continue
		}
		fn(rec, nil)
	}
}
