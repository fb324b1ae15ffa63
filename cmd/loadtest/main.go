// loadtest drives the press path end to end: request a challenge,
// solve the proof of work, submit the press. It measures the full
// admission latency including the PoW grind.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thebutton/backend/internal/pow"
)

type stats struct {
	total       uint64
	accepted    uint64
	rejected    uint64
	throttled   uint64
	unavailable uint64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	presses := flag.Int("presses", 100, "Number of presses to submit")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	flag.Parse()

	slog.Info("starting button load test",
		"url", *baseURL, "presses", *presses, "concurrency", *concurrency)

	var (
		st        stats
		latencies []time.Duration
		latMu     sync.Mutex
		wg        sync.WaitGroup
	)

	work := make(chan struct{}, *presses)
	for i := 0; i < *presses; i++ {
		work <- struct{}{}
	}
	close(work)

	client := &http.Client{Timeout: 15 * time.Second}
	start := time.Now()

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				elapsed, status, err := pressOnce(client, *baseURL)
				atomic.AddUint64(&st.total, 1)
				if err != nil {
					atomic.AddUint64(&st.unavailable, 1)
					slog.Warn("press failed", "error", err)
					continue
				}
				switch status {
				case http.StatusAccepted:
					atomic.AddUint64(&st.accepted, 1)
					latMu.Lock()
					latencies = append(latencies, elapsed)
					latMu.Unlock()
				case http.StatusTooManyRequests:
					atomic.AddUint64(&st.throttled, 1)
				case http.StatusServiceUnavailable:
					atomic.AddUint64(&st.unavailable, 1)
				default:
					atomic.AddUint64(&st.rejected, 1)
				}
			}
		}()
	}

	wg.Wait()
	report(&st, latencies, time.Since(start))
}

// pressOnce runs one full challenge-solve-press cycle.
func pressOnce(client *http.Client, baseURL string) (time.Duration, int, error) {
	start := time.Now()

	resp, err := client.Post(baseURL+"/v1/challenge", "application/json", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("challenge request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Since(start), resp.StatusCode, nil
	}

	var challenge pow.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return 0, 0, fmt.Errorf("decode challenge: %w", err)
	}

	sol := pow.Solution{
		ChallengeID: challenge.ChallengeID,
		Difficulty:  challenge.Difficulty,
		ExpiresAt:   challenge.ExpiresAt,
		Signature:   challenge.Signature,
		Nonce:       pow.Solve(challenge),
	}
	body, _ := json.Marshal(sol)

	pressResp, err := client.Post(baseURL+"/v1/events/press", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("press request: %w", err)
	}
	defer pressResp.Body.Close()

	return time.Since(start), pressResp.StatusCode, nil
}

func report(st *stats, latencies []time.Duration, elapsed time.Duration) {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	percentile := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}

	slog.Info("load test complete",
		"total", st.total,
		"accepted", st.accepted,
		"rejected", st.rejected,
		"throttled", st.throttled,
		"unavailable", st.unavailable,
		"elapsed", elapsed,
		"throughput_per_sec", float64(st.accepted)/elapsed.Seconds(),
		"p50", percentile(0.50),
		"p95", percentile(0.95),
		"p99", percentile(0.99))
}
