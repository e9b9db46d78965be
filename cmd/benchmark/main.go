package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/invoiceledger/internal/oracle"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	roundCount  int
	replayPct   float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts and closed rounds
	fail422       uint64 // Over-contribution
	failOther     uint64
)

const (
	benchOriginator = "bench-originator"
	benchScore      = 720
	benchThreshold  = 700
	faceAmount      = 10_000_000
	investAmount    = 100
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&roundCount, "rounds", 100, "Number of funding rounds to spread investments over")
	flag.Float64Var(&replayPct, "replay", 0.05, "Fraction of requests that replay an earlier idempotency key")
}

func main() {
	flag.Parse()
	client := &http.Client{Timeout: 5 * time.Second}

	rounds, err := setup(client)
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Rounds: %d | Duration: %s", workload, concurrency, len(rounds), duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, rounds, i, start)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func post(client *http.Client, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, targetURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// setup verifies a benchmark originator and opens roundCount rounds.
func setup(client *http.Client) ([]string, error) {
	salt := fmt.Sprintf("bench-%d", time.Now().UnixNano())
	if err := post(client, http.MethodPut, "/api/v1/originators/"+benchOriginator+"/commitment",
		map[string]string{"commitment_hash": oracle.CommitmentHash(benchScore, salt)}, nil); err != nil {
		return nil, err
	}
	if err := post(client, http.MethodPost, "/api/v1/originators/"+benchOriginator+"/commitment/verify",
		map[string]any{"min_threshold": benchThreshold, "proof": oracle.OpeningProof{Score: benchScore, Salt: salt}}, nil); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rounds := make([]string, 0, roundCount)
	for i := 0; i < roundCount; i++ {
		var inv struct {
			ID string `json:"id"`
		}
		if err := post(client, http.MethodPost, "/api/v1/invoices", map[string]any{
			"originator_id":   benchOriginator,
			"face_amount":     faceAmount,
			"buyer_reference": fmt.Sprintf("BENCH-%04d", i),
			"due_at":          now.Add(90 * 24 * time.Hour),
		}, &inv); err != nil {
			return nil, err
		}
		var round struct {
			ID string `json:"id"`
		}
		if err := post(client, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/rounds", map[string]any{
			"target_bps":        10000,
			"interest_rate_bps": 1200,
			"deadline":          now.Add(30 * 24 * time.Hour),
		}, &round); err != nil {
			return nil, err
		}
		rounds = append(rounds, round.ID)
	}
	return rounds, nil
}

func worker(wg *sync.WaitGroup, client *http.Client, rounds []string, id int, start time.Time) {
	defer wg.Done()
	var lastKey, lastRound string

	for n := 0; time.Since(start) < duration; n++ {
		round := pickRound(rounds)
		key := fmt.Sprintf("bench-%d-%d-%d", id, n, time.Now().UnixNano())
		// Replays resend an earlier request verbatim.
		if lastKey != "" && rand.Float64() < replayPct {
			round, key = lastRound, lastKey
		}
		lastKey, lastRound = key, round

		body, _ := json.Marshal(map[string]any{
			"investor_id": fmt.Sprintf("investor-%d", id),
			"amount":      investAmount,
		})
		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/rounds/"+round+"/investments", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickRound(rounds []string) string {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to the first round
		if rand.Float32() < 0.90 {
			return rounds[0]
		}
	}
	return rounds[rand.Intn(len(rounds))]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"rounds":            roundCount,
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    s200,
		"aborts_conflict":   f409,
		"abort_rate_pct":    abortRate,
		"over_contribution": f422,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
