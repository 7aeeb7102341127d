//go:build ignore
// +build ignore

// Load test for concurrent uploads into a single repository. Every upload
// contends for the same repository lock, so this measures lock throughput
// and end-to-end event latency.
//
// Usage:
//   go run scripts/snowball_loadtest.go \
//     --uploads=200 --rows=250 --overlap=0.2 --concurrency=20
//
// Connection settings come from the usual SNOWBALL_* / DATABASE_URL /
// REDIS_ADDR environment. Without DATABASE_URL the in-memory store is used.

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/snowball-engine/internal/app"
	"github.com/ignite/snowball-engine/internal/config"
	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/ignite/snowball-engine/internal/service/snowball"
)

type LoadTestConfig struct {
	Uploads     int
	Rows        int
	Overlap     float64
	Concurrency int
	Timeout     time.Duration
}

type LoadTestMetrics struct {
	mu          sync.Mutex
	submitted   int64
	rejected    int64
	added       int64
	duplicates  int64
	statuses    map[domain.EventStatus]int
	latencies   []time.Duration
	submitTimes []time.Duration
}

func (m *LoadTestMetrics) record(view *snowball.EventView, submit, total time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[view.Status]++
	m.latencies = append(m.latencies, total)
	m.submitTimes = append(m.submitTimes, submit)
	m.added += int64(view.Stats.Added)
	m.duplicates += int64(view.Stats.Duplicates)
}

func percentile(durations []time.Duration, p int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*float64(p)/100)]
}

// buildCSV returns rows addresses; a share of them comes from a small pool
// common to every upload so batches collide on existing members.
func buildCSV(rows int, overlap float64, rng *rand.Rand) []byte {
	var buf bytes.Buffer
	buf.WriteString("email,name\n")
	for i := 0; i < rows; i++ {
		if rng.Float64() < overlap {
			fmt.Fprintf(&buf, "shared%d@load.test,Shared\n", rng.Intn(rows))
			continue
		}
		fmt.Fprintf(&buf, "%s@load.test,Load\n", uuid.NewString()[:13])
	}
	return buf.Bytes()
}

func main() {
	cfg := LoadTestConfig{}
	flag.IntVar(&cfg.Uploads, "uploads", 100, "number of uploads")
	flag.IntVar(&cfg.Rows, "rows", 200, "rows per upload")
	flag.Float64Var(&cfg.Overlap, "overlap", 0.2, "share of rows drawn from a shared pool")
	flag.IntVar(&cfg.Concurrency, "concurrency", 10, "concurrent uploaders")
	flag.DurationVar(&cfg.Timeout, "timeout", 10*time.Minute, "overall timeout")
	flag.Parse()

	engineCfg, err := config.LoadFromEnv(os.Getenv("SNOWBALL_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// The daily cap must not cut the run short.
	engineCfg.Engine.DailyAddLimit = cfg.Uploads*cfg.Rows + 1
	logger.Init(logger.Options{Service: "snowball-loadtest", Level: "warn", Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	a, err := app.New(ctx, engineCfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	repoID := "loadtest-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	if err := a.Store.CreateRepository(ctx, &domain.Repository{ID: repoID, Name: "Load test", CreatedAt: now, UpdatedAt: now}); err != nil {
		log.Fatalf("create repository: %v", err)
	}

	runCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan error, 1)
	go func() { workersDone <- a.Run(runCtx) }()

	log.Printf("Load test: %d uploads x %d rows into %s (concurrency %d, overlap %.0f%%)",
		cfg.Uploads, cfg.Rows, repoID, cfg.Concurrency, cfg.Overlap*100)

	metrics := &LoadTestMetrics{statuses: make(map[domain.EventStatus]int)}
	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := range jobs {
				body := buildCSV(cfg.Rows, cfg.Overlap, rng)
				t0 := time.Now()
				receipt, err := a.Service.Submit(ctx, snowball.UploadRequest{
					RepositoryID: repoID,
					UploaderID:   fmt.Sprintf("loader-%d", i),
					FileName:     "load.csv",
					File:         bytes.NewReader(body),
				})
				if err != nil {
					atomic.AddInt64(&metrics.rejected, 1)
					log.Printf("submit %d: %v", i, err)
					continue
				}
				atomic.AddInt64(&metrics.submitted, 1)
				submitTime := time.Since(t0)

				view, err := waitTerminal(ctx, a, receipt.EventID)
				if err != nil {
					log.Printf("event %s: %v", receipt.EventID, err)
					continue
				}
				metrics.record(view, submitTime, time.Since(t0))
			}
		}(time.Now().UnixNano() + int64(w))
	}
feed:
	for i := 0; i < cfg.Uploads; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	stopWorkers()
	if err := <-workersDone; err != nil {
		log.Printf("workers: %v", err)
	}

	repo, err := a.Store.GetRepository(context.Background(), repoID)
	if err != nil {
		log.Fatalf("reload repository: %v", err)
	}
	fmt.Println(report(cfg, metrics, repo, elapsed))
}

func waitTerminal(ctx context.Context, a *app.App, eventID string) (*snowball.EventView, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := a.Service.EventStatus(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func report(cfg LoadTestConfig, m *LoadTestMetrics, repo *domain.Repository, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString("\n================ SNOWBALL LOAD TEST ================\n")
	fmt.Fprintf(&b, "Elapsed:            %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "Uploads submitted:  %d (rejected at intake: %d)\n", m.submitted, m.rejected)
	for status, n := range m.statuses {
		fmt.Fprintf(&b, "  %-10s        %d\n", status, n)
	}
	fmt.Fprintf(&b, "Members added:      %d (duplicates: %d)\n", m.added, m.duplicates)
	fmt.Fprintf(&b, "Repository total:   %d\n", repo.Stats.TotalEmails)
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(&b, "Rows/second:        %.0f\n", float64(m.submitted)*float64(cfg.Rows)/secs)
	}
	fmt.Fprintf(&b, "Submit p50/p99:     %s / %s\n", percentile(m.submitTimes, 50), percentile(m.submitTimes, 99))
	fmt.Fprintf(&b, "Event p50/p95/p99:  %s / %s / %s\n",
		percentile(m.latencies, 50), percentile(m.latencies, 95), percentile(m.latencies, 99))
	if repo.Stats.TotalEmails != int(m.added) {
		b.WriteString("WARNING: repository total does not match added members\n")
	}
	return b.String()
}
