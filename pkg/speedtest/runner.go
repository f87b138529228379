package speedtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// RunConfig controls how a speedtest run is executed.
type RunConfig struct {
	// Candidate servers to ping (closest first).
	ServerCount int
	// Lowest-latency servers that get a full download/upload test, run
	// sequentially.
	FullTestServers int

	SavingMode     bool
	MaxConnections int

	PingConcurrency int
	// DialTimeout for speedtest traffic. Default 10s.
	DialTimeout time.Duration
}

// Runner executes speedtests.
type Runner struct {
	cfg     RunConfig
	spawner Spawner
}

type Option func(*Runner)

// WithSpawner runs ping goroutines through s.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	cfg.FullTestServers = min(max(cfg.FullTestServers, 1), cfg.ServerCount)
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.PingConcurrency <= 0 {
		cfg.PingConcurrency = 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	r := &Runner{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes a single measurement.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg
	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()

	hc, tr := newHTTPClient(cfg)
	// Avoid package-level speedtest helpers; speedtest-go keeps package state.
	stc := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.SavingMode,
		MaxConnections: cfg.MaxConnections,
	}))
	applyHTTPClient(stc, hc)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(cfg.ServerCount, len(servers))]

	pinged := r.ping(ctx, candidates)
	if len(pinged) == 0 {
		return nil, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	var (
		n      int
		dl, ul float64
		ping   time.Duration
		best   *st.Server
		bestDL float64
	)
	for _, s := range pinged[:min(cfg.FullTestServers, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		n++
		dl += s.DLSpeed.Mbps()
		ul += s.ULSpeed.Mbps()
		ping += s.Latency
		// Lowest ping wins, then higher download.
		if best == nil || s.Latency < best.Latency || (s.Latency == best.Latency && s.DLSpeed.Mbps() > bestDL) {
			best, bestDL = s, s.DLSpeed.Mbps()
		}
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if n == 0 {
		return nil, errors.New("full test failed for all servers")
	}

	avgPing := ping / time.Duration(n)
	jitter := float64(best.Jitter.Milliseconds())
	if jitter <= 0 {
		jitter = math.Max(0.1, float64(avgPing.Milliseconds())*0.1)
	}
	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  dl / float64(n),
		UploadMbps:    ul / float64(n),
		PingMs:        float64(avgPing.Milliseconds()),
		Jitter:        jitter,
		ISP:           user.Isp,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
		Duration:      time.Since(start),
	}, nil
}

// ping latency-tests servers with bounded concurrency and returns the ones
// that answered.
func (r *Runner) ping(ctx context.Context, servers []*st.Server) []*st.Server {
	sem := make(chan struct{}, r.cfg.PingConcurrency)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*st.Server
	)
	launch := func(name string, fn func()) {
		if r.spawner != nil {
			r.spawner.Go(name, fn)
			return
		}
		go fn()
	}
	for i, s := range servers {
		wg.Add(1)
		launch(fmt.Sprintf("speedtest.ping.%d", i), func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		})
	}
	wg.Wait()
	return out
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(cfg.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}

// applyHTTPClient installs hc on the speedtest client through whichever
// setter or exported field the library version offers.
func applyHTTPClient(stc any, hc *http.Client) {
	if s, ok := stc.(interface{ SetHTTPClient(*http.Client) }); ok {
		s.SetHTTPClient(hc)
		return
	}
	v := reflect.ValueOf(stc)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return
	}
	for _, name := range []string{"HTTPClient", "HttpClient", "Client"} {
		f := v.Elem().FieldByName(name)
		if f.IsValid() && f.CanSet() && f.Type() == reflect.TypeOf(hc) {
			f.Set(reflect.ValueOf(hc))
			return
		}
	}
}
