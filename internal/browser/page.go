package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/calebduke/webharvest/internal/crawl"
)

// Page is a lease on one page slot within a pooled instance. A Page is owned
// by exactly one worker for the duration of one fetch and must be returned
// with ReleasePage.
type Page struct {
	pool   *Pool
	inst   *instance
	engine EnginePage

	releaseOnce sync.Once
}

// InstanceID identifies the owning instance, for logs and results.
func (pg *Page) InstanceID() string {
	return pg.inst.id
}

// Fetch navigates the page and returns the rendered response. If the owning
// instance crashes mid-fetch the call fails immediately with
// ErrInstanceCrashed instead of waiting out the navigation timeout.
func (pg *Page) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	select {
	case <-pg.inst.crashed:
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ErrInstanceCrashed)
	default:
	}

	type navResult struct {
		resp crawl.FetchResponse
		err  error
	}
	done := make(chan navResult, 1)
	go func() {
		resp, err := pg.engine.Navigate(ctx, req)
		done <- navResult{resp: resp, err: err}
	}()

	select {
	case <-pg.inst.crashed:
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ErrInstanceCrashed)
	case res := <-done:
		if res.err != nil {
			return crawl.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, res.err)
		}
		return res.resp, nil
	}
}

// Release returns the page slot to the pool. Equivalent to pool.ReleasePage.
func (pg *Page) Release() {
	pg.pool.ReleasePage(pg)
}
