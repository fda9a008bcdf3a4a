package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/calebduke/webharvest/internal/crawl"
)

// fakeClock is a manually advanced crawl.Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu   sync.Mutex
	next int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("inst-%d", s.next), nil
}

// fakeEngine launches fakeInstances and records them for assertions.
type fakeEngine struct {
	mu        sync.Mutex
	launched  []*fakeInstance
	launchErr error
	navDelay  time.Duration
}

func (e *fakeEngine) Launch(context.Context) (EngineInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.launchErr != nil {
		return nil, e.launchErr
	}
	inst := &fakeInstance{
		navDelay: e.navDelay,
		done:     make(chan struct{}),
	}
	e.launched = append(e.launched, inst)
	return inst, nil
}

func (e *fakeEngine) failLaunches(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launchErr = err
}

func (e *fakeEngine) instances() []*fakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeInstance(nil), e.launched...)
}

type fakeInstance struct {
	mu       sync.Mutex
	closed   bool
	probeErr error
	pageErr  error
	navDelay time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

func (i *fakeInstance) NewPage(context.Context) (EnginePage, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pageErr != nil {
		return nil, i.pageErr
	}
	if i.closed {
		return nil, errors.New("instance closed")
	}
	return &fakePage{navDelay: i.navDelay}, nil
}

func (i *fakeInstance) Probe(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.probeErr
}

func (i *fakeInstance) Close(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

func (i *fakeInstance) Done() <-chan struct{} {
	return i.done
}

// crash simulates the browser process dying on its own.
func (i *fakeInstance) crash() {
	i.doneOnce.Do(func() { close(i.done) })
}

func (i *fakeInstance) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *fakeInstance) failProbes(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.probeErr = err
}

type fakePage struct {
	navDelay time.Duration
}

func (p *fakePage) Navigate(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	if p.navDelay > 0 {
		select {
		case <-ctx.Done():
			return crawl.FetchResponse{}, ctx.Err()
		case <-time.After(p.navDelay):
		}
	}
	return crawl.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("<html><head><title>ok</title></head><body>hello</body></html>"),
		UsedBrowser: true,
	}, nil
}

func (p *fakePage) Close() error {
	return nil
}

func fetchReq(url string) crawl.FetchRequest {
	return crawl.FetchRequest{JobID: "job-1", URL: url}
}
