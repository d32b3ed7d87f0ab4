// Benchmark tool for measuring TrustMate's scorer against labelled
// screenshot transcripts.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/receipts.csv
//
// The CSV needs a header with the columns text, expected_amount,
// expected_id and is_fraud (1 or true for fraud). Literal "\n" sequences
// in text are read as line breaks.
//
// This tool:
//  1. Reads the labelled transcripts
//  2. Runs each through the payment parser and risk scorer
//  3. Treats any recommended action other than AUTO_VERIFY as flagged
//  4. Calculates precision, recall, F1-score, the confusion matrix and
//     per-flag hit counts
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/parser"
	"github.com/harsaa34/trustmate/internal/risk"
)

// Sample is one labelled transcript.
type Sample struct {
	Line           int
	Text           string
	ExpectedAmount decimal.Decimal
	ExpectedID     string
	IsFraud        bool
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Genuine flagged
	TrueNegatives  int64 // Genuine auto-verified
	FalseNegatives int64 // Fraud auto-verified (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64

	ProcessingTimeNs int64

	mu        sync.Mutex
	flagHits  map[domain.FlagCode]int
	scoreSums [2]int64 // genuine, fraud
}

func (m *Metrics) recordFlags(flags domain.FlagSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range flags {
		m.flagHits[f]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled transcript CSV")
	limit := flag.Int("limit", 0, "Maximum rows to process (0 = all)")
	workers := flag.Int("workers", 8, "Number of concurrent workers")
	timezone := flag.String("tz", "Asia/Kolkata", "Zone for screenshot timestamps")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/receipts.csv")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        TRUSTMATE BENCHMARK - Screenshot Fraud Detection       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Timezone:    %s\n", *timezone)
	fmt.Println()

	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		fmt.Printf("ERROR: unknown timezone %q: %v\n", *timezone, err)
		os.Exit(1)
	}
	scorer, err := risk.NewDefaultScorer(risk.Config{UnusualHourStart: 0, UnusualHourEnd: 5, Location: loc})
	if err != nil {
		fmt.Printf("ERROR: failed to build scorer: %v\n", err)
		os.Exit(1)
	}
	p := parser.New(parser.WithLocation(loc))

	samples, skipped, err := readSamples(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d samples (%d malformed rows skipped)\n", len(samples), skipped)

	startTime := time.Now()
	metrics := runBenchmark(samples, p, scorer, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func readSamples(path string, limit int) ([]Sample, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"text", "expected_amount", "expected_id", "is_fraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", col)
		}
	}

	var (
		samples []Sample
		skipped int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		line, _ := reader.FieldPos(0)
		amount, err := decimal.NewFromString(strings.TrimSpace(record[colIndex["expected_amount"]]))
		if err != nil {
			skipped++
			continue
		}
		isFraud, err := strconv.ParseBool(strings.TrimSpace(record[colIndex["is_fraud"]]))
		if err != nil {
			skipped++
			continue
		}

		samples = append(samples, Sample{
			Line:           line,
			Text:           strings.ReplaceAll(record[colIndex["text"]], `\n`, "\n"),
			ExpectedAmount: amount,
			ExpectedID:     strings.TrimSpace(record[colIndex["expected_id"]]),
			IsFraud:        isFraud,
		})

		if limit > 0 && len(samples) >= limit {
			break
		}
	}

	return samples, skipped, nil
}

func runBenchmark(samples []Sample, p *parser.Parser, scorer *risk.Scorer, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{flagHits: make(map[domain.FlagCode]int)}

	work := make(chan Sample, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for s := range work {
				start := time.Now()
				assessment := assess(p, scorer, s)
				atomic.AddInt64(&metrics.ProcessingTimeNs, time.Since(start).Nanoseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				metrics.recordFlags(assessment.Flags)

				if s.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
					atomic.AddInt64(&metrics.scoreSums[1], int64(assessment.Score))
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
					atomic.AddInt64(&metrics.scoreSums[0], int64(assessment.Score))
				}

				predicted := assessment.RecommendedAction != domain.ActionAutoVerify
				actual := s.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else {
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					fmt.Printf("%s line %-5d | Fraud: %-5v | Score: %3d | %-8s | %-14s | %v\n",
						status,
						s.Line,
						s.IsFraud,
						assessment.Score,
						assessment.Level,
						assessment.RecommendedAction,
						assessment.Flags,
					)
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)

	wg.Wait()

	return metrics
}

// assess mirrors the text path of the verification service without
// persistence or replay signals.
func assess(p *parser.Parser, scorer *risk.Scorer, s Sample) domain.RiskAssessment {
	data, err := p.Parse(s.Text)
	var missing []domain.ParseField
	var parseErr *domain.ParseError
	if errors.As(err, &parseErr) {
		missing = parseErr.Missing
	}

	return scorer.Assess(risk.Input{
		Data:                   data,
		Missing:                missing,
		RawText:                s.Text,
		ExpectedAmount:         s.ExpectedAmount,
		ExpectedCounterpartyID: s.ExpectedID,
	})
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Genuine:    %d\n", m.TotalNonFraud)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED    AUTO_VERIFY")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           G  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we flag)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\n🔍 SCORES\n")
	if m.TotalFraud > 0 {
		fmt.Printf("   Avg fraud score:    %.1f\n", float64(m.scoreSums[1])/float64(m.TotalFraud))
	}
	if m.TotalNonFraud > 0 {
		fmt.Printf("   Avg genuine score:  %.1f\n", float64(m.scoreSums[0])/float64(m.TotalNonFraud))
	}

	fmt.Printf("\n🚩 FLAG HITS\n")
	codes := make([]domain.FlagCode, 0, len(m.flagHits))
	for code := range m.flagHits {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if m.flagHits[codes[i]] != m.flagHits[codes[j]] {
			return m.flagHits[codes[i]] > m.flagHits[codes[j]]
		}
		return codes[i] < codes[j]
	})
	for _, code := range codes {
		fmt.Printf("   %-30s %d\n", code, m.flagHits[code])
	}
	if len(codes) == 0 {
		fmt.Println("   (none)")
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgUs := float64(m.ProcessingTimeNs) / float64(m.TotalProcessed) / 1e3
		fmt.Printf("   Avg Latency:      %.1f µs\n", avgUs)
		fmt.Printf("   Throughput:       %.0f samples/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
