// Simulation tool for exercising Heron with a synthetic transaction stream.
//
// Usage:
//
//	go run ./cmd/simulate -url http://localhost:8080 -tx 20000
//
// This tool:
//  1. Generates background transfers and injects laundering scenarios
//     (cycles, fan-out, fan-in, structuring) with labelled accounts
//  2. Sends the stream to Heron in time order through the batch endpoint
//  3. Triggers a pattern scan and reads back the alert stream
//  4. Scores alerted accounts against the labels: precision, recall, F1
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/monitor"
)

// Metrics tracks simulation results. Counts are per account.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Sent       int64
	Accepted   int64
	Rejected   int64
	Errors     int64
	Alerts     int64
	DetectedBy map[string][2]int64

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	seed := flag.Uint64("seed", 42, "Random seed")
	accounts := flag.Int("accounts", 2000, "Background account population")
	txCount := flag.Int("tx", 20000, "Background transactions")
	cycles := flag.Int("cycles", 20, "Injected cycles")
	fans := flag.Int("fans", 20, "Injected fan-out/fan-in hubs")
	structurers := flag.Int("structurers", 20, "Injected structuring senders")
	span := flag.Duration("span", 7*24*time.Hour, "Time span of the stream")
	batchSize := flag.Int("batch", 500, "Transactions per batch request")
	workers := flag.Int("workers", 1, "Concurrent batch senders (more than 1 reorders history)")
	verbose := flag.Bool("verbose", false, "Print each missed or false account")
	flag.Parse()

	runID := strings.SplitN(uuid.New().String(), "-", 2)[0]

	fmt.Println("=================================================================")
	fmt.Println("            HERON SIMULATION - Synthetic AML Scenarios")
	fmt.Println("=================================================================")
	fmt.Printf("\nHeron URL:   %s\n", *baseURL)
	fmt.Printf("Run ID:      %s\n", runID)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Printf("Background:  %d transactions over %d accounts\n", *txCount, *accounts)
	fmt.Printf("Scenarios:   %d cycles, %d fans, %d structurers\n", *cycles, *fans, *structurers)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Heron is running:")
		fmt.Println("  go run ./cmd/heron")
		os.Exit(1)
	}
	fmt.Println("Heron is healthy")

	stream := Generate(GeneratorConfig{
		Seed:         *seed,
		RunID:        runID,
		Start:        time.Now().UTC().Truncate(time.Hour).Add(-*span),
		Span:         *span,
		Accounts:     *accounts,
		Transactions: *txCount,
		Cycles:       *cycles,
		Fans:         *fans,
		Structurers:  *structurers,
	})
	fmt.Printf("Generated %d transactions, %d labelled accounts\n", len(stream.Transactions), len(stream.Suspicious))

	client := &http.Client{Timeout: 60 * time.Second}
	metrics := &Metrics{DetectedBy: make(map[string][2]int64)}

	fmt.Printf("\nSending stream in batches of %d...\n", *batchSize)
	startTime := time.Now()
	send(client, *baseURL, stream.Transactions, *batchSize, *workers, metrics)

	fmt.Println("Triggering pattern scan...")
	summary, err := triggerScan(client, *baseURL)
	if err != nil {
		fmt.Printf("ERROR: scan failed: %v\n", err)
		os.Exit(1)
	}

	alerted, err := fetchAlertedAccounts(client, *baseURL, metrics)
	if err != nil {
		fmt.Printf("ERROR: failed to read alerts: %v\n", err)
		os.Exit(1)
	}
	duration := time.Since(startTime)

	score(stream, alerted, metrics, *verbose)
	printResults(metrics, summary, stream, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func send(client *http.Client, baseURL string, txs []domain.Transaction, batchSize, numWorkers int, m *Metrics) {
	if batchSize < 1 {
		batchSize = 1
	}
	work := make(chan []domain.Transaction, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				start := time.Now()
				resp, err := postBatch(client, baseURL, batch)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.Sent, int64(len(batch)))
				if err != nil {
					atomic.AddInt64(&m.Errors, int64(len(batch)))
					fmt.Printf("ERROR: batch starting %s -> %v\n", batch[0].ID, err)
					continue
				}
				atomic.AddInt64(&m.Accepted, int64(resp.Accepted))
				atomic.AddInt64(&m.Rejected, int64(resp.Rejected))
			}
		}()
	}

	for start := 0; start < len(txs); start += batchSize {
		end := min(start+batchSize, len(txs))
		work <- txs[start:end]
	}
	close(work)
	wg.Wait()
}

func postBatch(client *http.Client, baseURL string, batch []domain.Transaction) (*api.BatchResponse, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/transactions/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out api.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func triggerScan(client *http.Client, baseURL string) (*monitor.ScanSummary, error) {
	resp, err := client.Post(baseURL+"/scan", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var summary monitor.ScanSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// fetchAlertedAccounts pages through the alert stream and collects every
// account named by an alert.
func fetchAlertedAccounts(client *http.Client, baseURL string, m *Metrics) (map[string]struct{}, error) {
	alerted := make(map[string]struct{})
	var after uint64

	for {
		resp, err := client.Get(fmt.Sprintf("%s/alerts?after=%d&limit=1000", baseURL, after))
		if err != nil {
			return nil, err
		}

		var page struct {
			Alerts []domain.Alert `json:"alerts"`
			Next   uint64         `json:"next"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if len(page.Alerts) == 0 {
			return alerted, nil
		}

		for _, a := range page.Alerts {
			m.Alerts++
			for _, acct := range a.Accounts {
				alerted[acct] = struct{}{}
			}
		}
		after = page.Next
	}
}

func score(stream *Stream, alerted map[string]struct{}, m *Metrics, verbose bool) {
	population := make(map[string]struct{})
	for _, tx := range stream.Transactions {
		population[tx.SenderAccount] = struct{}{}
		population[tx.ReceiverAccount] = struct{}{}
	}

	for acct := range population {
		kind, actual := stream.Suspicious[acct]
		_, predicted := alerted[acct]

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
			if verbose {
				fmt.Printf("false alarm: %s\n", acct)
			}
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
			if verbose {
				fmt.Printf("missed %-12s %s\n", kind, acct)
			}
		}

		if actual {
			counts := m.DetectedBy[kind]
			counts[1]++
			if predicted {
				counts[0]++
			}
			m.DetectedBy[kind] = counts
		}
	}
}

func printResults(m *Metrics, summary *monitor.ScanSummary, stream *Stream, duration time.Duration) {
	fmt.Println("\n=================================================================")
	fmt.Println("                       SIMULATION RESULTS")
	fmt.Println("=================================================================")

	fmt.Printf("\nINGEST\n")
	fmt.Printf("   Sent:       %d\n", m.Sent)
	fmt.Printf("   Accepted:   %d\n", m.Accepted)
	fmt.Printf("   Rejected:   %d\n", m.Rejected)
	fmt.Printf("   Errors:     %d\n", m.Errors)

	fmt.Printf("\nSCAN\n")
	fmt.Printf("   Edges:      %d\n", summary.Edges)
	fmt.Printf("   Findings:   %d\n", summary.Findings)
	fmt.Printf("   Truncated:  %v\n", summary.Truncated)
	fmt.Printf("   Duration:   %v\n", summary.Duration.Round(time.Millisecond))
	fmt.Printf("   Alerts:     %d\n", m.Alerts)

	fmt.Printf("\nCONFUSION MATRIX (accounts)\n")
	fmt.Println("                    Alerted    Quiet")
	fmt.Printf("   Labelled      %10d %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   Background    %10d %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nBY SCENARIO\n")
	for _, kind := range []string{kindCycle, kindFanOut, kindFanIn, kindStructuring} {
		counts := m.DetectedBy[kind]
		fmt.Printf("   %-12s %4d scenarios, %5d / %5d accounts alerted (%.1f%%)\n",
			kind, stream.Scenarios[kind], counts[0], counts[1], 100*ratio(counts[0], counts[1]))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Sent > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.Sent)/duration.Seconds())
		fmt.Printf("   Ingest Time:      %v\n", time.Duration(m.ProcessingTimeMs)*time.Millisecond)
	}
	fmt.Println()
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
