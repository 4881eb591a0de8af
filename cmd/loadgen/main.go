package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"
)

type Config struct {
	TargetURL      string
	ClientID       string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	Viewports      int
	Zoom           float64
	Jitter         float64
	RequestTimeout time.Duration
	Output         string
	GenMarkers     int
	GenOut         string
	Seed           int64
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/markers", "Viewport server /markers URL")
	flag.StringVar(&cfg.ClientID, "client", "loadgen", "X-Client-ID prefix; workers append their index")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Viewports, "viewports", 64, "Distinct viewports in pool")
	flag.Float64Var(&cfg.Zoom, "zoom", 10, "Zoom sent with every request")
	flag.Float64Var(&cfg.Jitter, "jitter", 0.00001, "Max pan jitter in degrees applied per request")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.StringVar(&cfg.Output, "out", "", "Optional JSON summary path")
	flag.IntVar(&cfg.GenMarkers, "gen-markers", 0, "Write this many random markers to -gen-out and exit")
	flag.StringVar(&cfg.GenOut, "gen-out", "markers.json", "Output path for -gen-markers")
	flag.Int64Var(&cfg.Seed, "seed", 1, "Random seed")
	flag.Parse()
	return cfg
}

type viewport struct{ West, South, East, North float64 }

var centers = [][2]float64{
	{18.0686, 59.3293}, // Stockholm
	{11.9746, 57.7089}, // Göteborg
	{13.0038, 55.6050}, // Malmö
	{22.1547, 65.5848}, // Luleå
}

func makeViewports(count int, r *rand.Rand) []viewport {
	out := make([]viewport, 0, count)
	for i := range count {
		c := centers[i%len(centers)]
		dx, dy := (r.Float64()-0.5)*0.3, (r.Float64()-0.5)*0.3
		w, h := 0.1+r.Float64()*0.1, 0.06+r.Float64()*0.06
		lon, lat := c[0]+dx, c[1]+dy
		out = append(out, viewport{lon - w/2, lat - h/2, lon + w/2, lat + h/2})
	}
	return out
}

func (v viewport) jittered(r *rand.Rand, maxDeg float64) viewport {
	if maxDeg <= 0 {
		return v
	}
	dx, dy := (r.Float64()*2-1)*maxDeg, (r.Float64()*2-1)*maxDeg
	return viewport{v.West + dx, v.South + dy, v.East + dx, v.North + dy}
}

func (v viewport) query(zoom float64) string {
	q := url.Values{}
	q.Set("bbox", fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", v.West, v.South, v.East, v.North))
	q.Set("zoom", strconv.FormatFloat(zoom, 'f', -1, 64))
	return q.Encode()
}

type marker struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func genMarkers(n int, path string, r *rand.Rand) error {
	ms := make([]marker, 0, n)
	for i := range n {
		c := centers[i%len(centers)]
		ms = append(ms, marker{
			ID:  fmt.Sprintf("m-%06d", i),
			Lat: c[1] + r.NormFloat64()*0.2,
			Lng: c[0] + r.NormFloat64()*0.3,
		})
	}
	b, err := json.MarshalIndent(ms, "", "  ")
	if err != nil {
		return fmt.Errorf("encode markers: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), b, 0o600); err != nil {
		return fmt.Errorf("write markers: %w", err)
	}
	return nil
}

type sample struct {
	Latency time.Duration
	Status  int
	Cache   string
	Err     bool
}

type summary struct {
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Total      int              `json:"total"`
	Errors     int              `json:"errors"`
	Status     map[string]int   `json:"status"`
	Cache      map[string]int   `json:"cache"`
	HitRatio   float64          `json:"hit_ratio"`
	LatencyMs  map[string]int64 `json:"latency_ms"`
	Throughput float64          `json:"rps"`
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return sorted[i]
}

func summarize(samples []sample, start, end time.Time) summary {
	s := summary{
		Start: start, End: end, Total: len(samples),
		Status: map[string]int{}, Cache: map[string]int{}, LatencyMs: map[string]int64{},
	}
	lat := make([]time.Duration, 0, len(samples))
	for _, x := range samples {
		if x.Err {
			s.Errors++
			continue
		}
		s.Status[strconv.Itoa(x.Status)]++
		if x.Cache != "" {
			s.Cache[x.Cache]++
		}
		lat = append(lat, x.Latency)
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	for name, p := range map[string]float64{"p50": 0.5, "p95": 0.95, "p99": 0.99} {
		s.LatencyMs[name] = percentile(lat, p).Milliseconds()
	}
	if served := s.Cache["hit"] + s.Cache["shared"] + s.Cache["miss"]; served > 0 {
		s.HitRatio = float64(s.Cache["hit"]+s.Cache["shared"]) / float64(served)
	}
	if d := end.Sub(start).Seconds(); d > 0 {
		s.Throughput = float64(s.Total) / d
	}
	return s
}

func worker(ctx context.Context, id int, cfg Config, client *http.Client, pool []viewport, out chan<- sample) {
	r := rand.New(rand.NewSource(cfg.Seed + int64(id))) // #nosec G404 -- load pattern only
	zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(pool)-1))
	clientID := fmt.Sprintf("%s-%d", cfg.ClientID, id)
	for ctx.Err() == nil {
		v := pool[zipf.Uint64()].jittered(r, cfg.Jitter)
		reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.TargetURL+"?"+v.query(cfg.Zoom), nil)
		if err != nil {
			cancel()
			log.Fatalf("build request: %v", err)
		}
		req.Header.Set("X-Client-ID", clientID)

		start := time.Now()
		resp, err := client.Do(req)
		smp := sample{Latency: time.Since(start)}
		if err != nil {
			smp.Err = true
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			smp.Status = resp.StatusCode
			smp.Cache = resp.Header.Get("X-Cache")
		}
		cancel()
		if ctx.Err() != nil && smp.Err {
			return
		}
		out <- smp
	}
}

func main() {
	cfg := loadConfig()
	r := rand.New(rand.NewSource(cfg.Seed)) // #nosec G404 -- load pattern only

	if cfg.GenMarkers > 0 {
		if err := genMarkers(cfg.GenMarkers, cfg.GenOut, r); err != nil {
			log.Fatalf("gen markers: %v", err)
		}
		log.Printf("wrote %d markers to %s", cfg.GenMarkers, cfg.GenOut)
		return
	}
	if cfg.Viewports < 2 || cfg.Concurrency < 1 || cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Fatalf("invalid flags: need viewports>=2, concurrency>=1, zipf-s>1, zipf-v>=1")
	}

	pool := makeViewports(cfg.Viewports, r)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	results := make(chan sample, cfg.Concurrency*4)
	var samples []sample
	collected := make(chan struct{})
	go func() {
		for s := range results {
			samples = append(samples, s)
		}
		close(collected)
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for i := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, i, cfg, client, pool, results)
		}()
	}
	wg.Wait()
	close(results)
	<-collected
	end := time.Now()

	s := summarize(samples, start, end)
	b, _ := json.MarshalIndent(s, "", "  ")
	fmt.Println(string(b))
	if cfg.Output != "" {
		if err := os.WriteFile(filepath.Clean(cfg.Output), b, 0o600); err != nil {
			log.Fatalf("write summary: %v", err)
		}
	}
}
