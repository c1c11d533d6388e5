// Command coupon-ingest loads promotional codes issued by partner campaigns.
//
// Each partner ships a gzipped file with one code per line. A code is only
// honoured when at least -min-sources partners issued it, which filters out
// typos and leaked test codes. Files are too large to hold in a map, so the
// first pass builds one bloom filter per file and the second pass keeps only
// codes that some other file's filter (probably) contains.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	minCodeLen    = 6
	maxCodeLen    = 16
	maxSources    = 64
)

// knownRules maps campaign prefixes to their discount. Codes without a known
// prefix get defaultRule.
var knownRules = map[string]coupon.Rule{
	"FERIA": {
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(15),
		Description:  "Feria libre: 15% de descuento",
	},
	"DESPACHO": {
		DiscountType: coupon.DiscountFreeShipping,
		MinSubtotal:  decimal.NewFromInt(15000),
		Description:  "Despacho gratis sobre $15.000",
	},
	"CANASTA": {
		DiscountType: coupon.DiscountFixed,
		Value:        decimal.NewFromInt(3000),
		MinItems:     4,
		Description:  "$3.000 menos en canastas de 4 productos",
	},
}

var defaultRule = coupon.Rule{
	DiscountType: coupon.DiscountPercentage,
	Value:        decimal.NewFromInt(5),
	MaxDiscount:  decimal.NewFromInt(5000),
	Description:  "Código promocional: 5% de descuento",
}

type options struct {
	dataDir     string
	pattern     string
	minSources  int
	expected    uint
	validFor    time.Duration
	maxUses     int
	databaseURL string
}

func main() {
	var opts options
	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing the partner code files")
	flag.StringVar(&opts.pattern, "pattern", "codes-*.gz", "glob matching partner code files inside data-dir")
	flag.IntVar(&opts.minSources, "min-sources", 2, "number of files a code must appear in")
	flag.UintVar(&opts.expected, "expected", 10_000_000, "expected codes per file, sizes the bloom filters")
	flag.DurationVar(&opts.validFor, "valid-for", 30*24*time.Hour, "how long ingested codes stay valid; 0 for no expiry")
	flag.IntVar(&opts.maxUses, "max-uses", 1, "uses allowed per code; 0 for unlimited")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "match files")
	}
	slices.Sort(files)
	switch {
	case len(files) == 0:
		return errors.Errorf("no files match %s in %s", opts.pattern, opts.dataDir)
	case len(files) > maxSources:
		return errors.Errorf("%d files exceed the limit of %d", len(files), maxSources)
	case opts.minSources < 1 || opts.minSources > len(files):
		return errors.Errorf("min-sources must be between 1 and %d", len(files))
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters, err := buildFilters(ctx, files, opts.expected)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: collecting shared codes")
	codes, err := sharedCodes(ctx, files, filters, opts.minSources)
	if err != nil {
		return errors.Wrap(err, "collect shared codes")
	}
	slog.Info("shared codes found", slog.Int("count", len(codes)))
	if len(codes) == 0 {
		return nil
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	return store(ctx, postgres.NewCouponRepository(pool), codes, opts, time.Now())
}

func buildFilters(ctx context.Context, files []string, expected uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(expected, bloomFPR)
			n, err := eachCode(ctx, path, func(code string) { f.AddString(code) })
			if err != nil {
				return errors.Wrapf(err, "index %s", path)
			}
			slog.Info("pass 1 complete", slog.String("file", filepath.Base(path)), slog.Uint64("codes", n))
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// sharedCodes returns the codes whose source bitmask has at least minSources
// bits set. A file sets its own bit for a code only when another file's filter
// reports it, unless minSources is 1.
func sharedCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, minSources int) ([]string, error) {
	found := make([]map[string]uint64, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			masks := make(map[string]uint64)
			own := uint64(1) << uint(i)
			n, err := eachCode(ctx, path, func(code string) {
				if minSources == 1 {
					masks[code] |= own
					return
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						masks[code] |= own
						return
					}
				}
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			slog.Info("pass 2 complete",
				slog.String("file", filepath.Base(path)),
				slog.Uint64("codes", n),
				slog.Int("candidates", len(masks)),
			)
			found[i] = masks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, masks := range found {
		for code, m := range masks {
			merged[code] |= m
		}
	}
	var out []string
	for code, m := range merged {
		if bits.OnesCount64(m) >= minSources {
			out = append(out, code)
		}
	}
	slices.Sort(out)
	return out, nil
}

// eachCode streams a gzipped file and calls fn with every normalized code of
// acceptable length.
func eachCode(ctx context.Context, path string, fn func(code string)) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrap(err, "gzip")
	}
	defer func() { _ = gz.Close() }()

	var n uint64
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		code := strings.ToUpper(strings.TrimSpace(sc.Text()))
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			continue
		}
		if n%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		fn(code)
		n++
	}
	if err := sc.Err(); err != nil {
		return n, errors.Wrap(err, "read")
	}
	return n, nil
}

// ruleFor builds the stored rule for code from its campaign prefix.
func ruleFor(code string, opts options, now time.Time) coupon.Rule {
	rule := defaultRule
	for prefix, r := range knownRules {
		if strings.HasPrefix(code, prefix) {
			rule = r
			break
		}
	}
	rule.Code = code
	rule.MaxUses = opts.maxUses
	if opts.validFor > 0 {
		from, until := now, now.Add(opts.validFor)
		rule.ValidFrom, rule.ValidUntil = &from, &until
	}
	return rule
}

func store(ctx context.Context, repo *postgres.CouponRepository, codes []string, opts options, now time.Time) error {
	slog.Info("writing coupons to database", slog.Int("count", len(codes)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, code := range codes {
		g.Go(func() error {
			rule := ruleFor(code, opts, now)
			if err := repo.Upsert(ctx, &rule); err != nil {
				return errors.Wrapf(err, "upsert coupon %s", code)
			}
			if (i+1)%1000 == 0 {
				slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(codes)))
			}
			return nil
		})
	}
	return g.Wait()
}
