package gammaapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-core/internal/ratelimit"
)

// Backoff applied on a 429, and the Gamma/CLOB burst/refill rates the token
// buckets are tuned to.
const (
	rateLimitSleep = 2 * time.Second

	gammaBurst = 50
	gammaRate  = 20 // tokens/sec
	clobBurst  = 50
	clobRate   = 20

	eventsPageLimit  = 200
	marketsPageLimit = 200
	bulkIDChunkSize  = 100
	priceChunkSize   = 100

	maxConsecutiveErrors = 5
)

// ErrBudgetExhausted is returned when consecutive request failures reach
// maxConsecutiveErrors; the caller (Poller) aborts the cycle on this error.
var ErrBudgetExhausted = fmt.Errorf("gammaapi: consecutive error budget exhausted")

// Client fetches raw payloads from the Gamma/CLOB REST surface. It never
// normalizes; every method returns upstream shapes or (nil, nil) on a
// per-request failure so the caller can continue the cycle.
type Client struct {
	gamma  *resty.Client
	clob   *resty.Client
	logger *slog.Logger

	gammaLimiter *ratelimit.Bucket
	clobLimiter  *ratelimit.Bucket

	consecutiveErrors int
}

// NewClient builds a Fetcher pointed at the given Gamma and CLOB base URLs.
func NewClient(gammaBaseURL, clobBaseURL string, logger *slog.Logger) *Client {
	build := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(30 * time.Second).
			SetRetryCount(0)
	}
	return &Client{
		gamma:        build(gammaBaseURL),
		clob:         build(clobBaseURL),
		logger:       logger.With("component", "gammaapi"),
		gammaLimiter: ratelimit.New(gammaBurst, gammaRate),
		clobLimiter:  ratelimit.New(clobBurst, clobRate),
	}
}

func (c *Client) noteSuccess() {
	c.consecutiveErrors = 0
}

// noteFailure records a failed request and reports whether the consecutive
// error budget has been exhausted.
func (c *Client) noteFailure(err error) error {
	c.consecutiveErrors++
	c.logger.Debug("request failed", "error", err, "consecutive_errors", c.consecutiveErrors)
	if c.consecutiveErrors >= maxConsecutiveErrors {
		return ErrBudgetExhausted
	}
	return nil
}

// FetchEventsPage fetches one page of /events, sorted by volume DESC.
func (c *Client) FetchEventsPage(ctx context.Context, offset int) ([]Event, error) {
	if err := c.gammaLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	var page []Event
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":     strconv.Itoa(eventsPageLimit),
			"offset":    strconv.Itoa(offset),
			"closed":    "false",
			"order":     "volume",
			"ascending": "false",
		}).
		SetResult(&page).
		Get("/events")
	if err != nil {
		if budgetErr := c.noteFailure(err); budgetErr != nil {
			return nil, budgetErr
		}
		return nil, nil
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		time.Sleep(rateLimitSleep)
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		if budgetErr := c.noteFailure(fmt.Errorf("status %d", resp.StatusCode())); budgetErr != nil {
			return nil, budgetErr
		}
		return nil, nil
	}
	c.noteSuccess()
	return page, nil
}

// FetchEventsAll paginates /events up to maxPages pages. Pacing between
// requests is handled by gammaLimiter inside FetchEventsPage.
func (c *Client) FetchEventsAll(ctx context.Context, maxPages int) ([]Event, error) {
	var all []Event
	for page := 0; page < maxPages; page++ {
		events, err := c.FetchEventsPage(ctx, page*eventsPageLimit)
		if err != nil {
			return all, err
		}
		all = append(all, events...)
		if len(events) < eventsPageLimit {
			break
		}
	}
	return all, nil
}

// FetchMarketsPage fetches one page of standalone /markets.
func (c *Client) FetchMarketsPage(ctx context.Context, offset, limit int, closed bool, order string) ([]Market, error) {
	if err := c.gammaLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	var page []Market
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":     strconv.Itoa(limit),
			"offset":    strconv.Itoa(offset),
			"closed":    strconv.FormatBool(closed),
			"order":     order,
			"ascending": "false",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		if budgetErr := c.noteFailure(err); budgetErr != nil {
			return nil, budgetErr
		}
		return nil, nil
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		time.Sleep(rateLimitSleep)
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		if budgetErr := c.noteFailure(fmt.Errorf("status %d", resp.StatusCode())); budgetErr != nil {
			return nil, budgetErr
		}
		return nil, nil
	}
	c.noteSuccess()
	return page, nil
}

// FetchMarketsByID bulk-fetches specific market IDs in chunks of
// bulkIDChunkSize, pacing each chunk through gammaLimiter.
func (c *Client) FetchMarketsByID(ctx context.Context, ids []string) ([]Market, error) {
	var all []Market
	for i := 0; i < len(ids); i += bulkIDChunkSize {
		end := i + bulkIDChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		if err := c.gammaLimiter.Wait(ctx); err != nil {
			return all, err
		}
		var page []Market
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"id":    strings.Join(chunk, ","),
				"limit": strconv.Itoa(len(chunk)),
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			if budgetErr := c.noteFailure(err); budgetErr != nil {
				return all, budgetErr
			}
			continue
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			time.Sleep(rateLimitSleep)
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			if budgetErr := c.noteFailure(fmt.Errorf("status %d", resp.StatusCode())); budgetErr != nil {
				return all, budgetErr
			}
			continue
		}
		c.noteSuccess()
		all = append(all, page...)
	}
	return all, nil
}

// FetchPrices bulk-fetches current bid/ask for up to priceChunkSize token
// IDs per request, chunking larger inputs and pacing each chunk through
// clobLimiter.
func (c *Client) FetchPrices(ctx context.Context, tokenIDs []string) (map[string]TokenPrice, error) {
	out := make(map[string]TokenPrice, len(tokenIDs))

	for i := 0; i < len(tokenIDs); i += priceChunkSize {
		end := i + priceChunkSize
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		chunk := tokenIDs[i:end]

		if err := c.clobLimiter.Wait(ctx); err != nil {
			return out, err
		}
		var chunkResult map[string]TokenPrice
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParam("tokenIds", strings.Join(chunk, ",")).
			SetResult(&chunkResult).
			Get("/prices")
		if err != nil {
			if budgetErr := c.noteFailure(err); budgetErr != nil {
				return out, budgetErr
			}
			continue
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			time.Sleep(rateLimitSleep)
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			if budgetErr := c.noteFailure(fmt.Errorf("status %d", resp.StatusCode())); budgetErr != nil {
				return out, budgetErr
			}
			continue
		}
		c.noteSuccess()
		for k, v := range chunkResult {
			out[k] = v
		}
	}
	return out, nil
}
