package depcheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"mesh-maas/pkg/signer"
	"mesh-maas/pkg/store"
)

// Report and check states.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type Check struct {
	Name     string
	Critical bool
	Run      CheckFunc
}

type Result struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Critical  bool    `json:"critical"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

type Report struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
	Checks    []Result  `json:"checks"`
}

// Checker runs a fixed set of dependency checks concurrently.
type Checker struct {
	checks  []Check
	timeout time.Duration
	logger  *zap.Logger
}

func New(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{timeout: timeout, logger: logger}
}

func (c *Checker) Add(name string, critical bool, fn CheckFunc) {
	c.checks = append(c.checks, Check{Name: name, Critical: critical, Run: fn})
}

// Run executes every check with its own timeout. A failing critical check
// makes the report unhealthy, a failing optional one degraded.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Result, len(c.checks))
	var wg sync.WaitGroup
	for i, chk := range c.checks {
		wg.Add(1)
		go func(i int, chk Check) {
			defer wg.Done()
			results[i] = c.runOne(ctx, chk)
		}(i, chk)
	}
	wg.Wait()

	status := Healthy
	for _, r := range results {
		if r.Status == Healthy {
			continue
		}
		if r.Critical {
			status = Unhealthy
		} else if status == Healthy {
			status = Degraded
		}
	}
	return Report{Status: status, CheckedAt: time.Now().UTC(), Checks: results}
}

func (c *Checker) runOne(ctx context.Context, chk Check) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := safeRun(ctx, chk.Run)
	res := Result{
		Name:      chk.Name,
		Status:    Healthy,
		Critical:  chk.Critical,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status = Unhealthy
		res.Message = err.Error()
		c.logger.Warn("dependency check failed", zap.String("check", chk.Name), zap.Bool("critical", chk.Critical), zap.Error(err))
	}
	return res
}

// safeRun returns when fn does or the context ends, whichever is first.
func safeRun(ctx context.Context, fn CheckFunc) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("check panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StoreCheck pings a durable backend.
func StoreCheck(p store.Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// SignerCheck performs a sign and verify round trip.
func SignerCheck(s signer.SignVerifier) CheckFunc {
	probe := []byte(`{"probe":"depcheck"}`)
	return func(ctx context.Context) error {
		sig, err := s.Sign(ctx, probe, "depcheck")
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if err := s.Verify(probe, "depcheck", sig); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		return nil
	}
}

var errBadStatus = errors.New("unexpected status")

// HTTPCheck expects a 2xx response from url.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%w: %s", errBadStatus, resp.Status)
		}
		return nil
	}
}
