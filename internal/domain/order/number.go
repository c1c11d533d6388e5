package order

import (
	"context"
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

const (
	numberPrefix      = "ORDER-"
	numberRandomLen   = 8
	maxNumberAttempts = 5
)

// NumberChecker reports whether an order number is already stored.
type NumberChecker interface {
	ExistsNumber(ctx context.Context, number string) (bool, error)
}

// NumberGenerator issues ORDER-<unix>-<random8> numbers.
//
// A bloom filter holds every number issued or loaded by this process; a
// "maybe seen" answer is treated as taken. Numbers the filter has never seen
// are confirmed against the store, and the store's unique constraint is the
// final arbiter across processes.
type NumberGenerator struct {
	mu     sync.Mutex
	seen   *bloom.BloomFilter
	store  NumberChecker
	now    func() time.Time
	random func() string
}

// NewNumberGenerator sizes the filter for expected numbers at a 0.1% false
// positive rate.
func NewNumberGenerator(store NumberChecker, expected uint) *NumberGenerator {
	if expected == 0 {
		expected = 100_000
	}
	return &NumberGenerator{
		seen:   bloom.NewWithEstimates(expected, 0.001),
		store:  store,
		now:    time.Now,
		random: randomSuffix,
	}
}

// Warm loads already stored numbers into the filter.
func (g *NumberGenerator) Warm(numbers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range numbers {
		g.seen.AddString(n)
	}
}

// Next returns a number not issued before, or ErrConflict after
// maxNumberAttempts collisions.
func (g *NumberGenerator) Next(ctx context.Context) (string, error) {
	for range maxNumberAttempts {
		n := numberPrefix + strconv.FormatInt(g.now().Unix(), 10) + "-" + g.random()

		g.mu.Lock()
		maybeSeen := g.seen.TestAndAddString(n)
		g.mu.Unlock()
		if maybeSeen {
			continue
		}

		exists, err := g.store.ExistsNumber(ctx, n)
		if err != nil {
			return "", errors.Wrap(err, "check order number")
		}
		if !exists {
			return n, nil
		}
	}
	return "", ErrConflict
}

func randomSuffix() string {
	// rand.Text is base32 (A-Z, 2-7), 26 characters.
	return rand.Text()[:numberRandomLen]
}
