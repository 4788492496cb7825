// Load generator for exercising a running Tally instance.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -users 50 -activities 1000
//
// This tool:
//   1. Fetches the scoreable exercises from the target instance
//   2. Synthesizes plausible activities across a pool of users
//   3. Posts them to /calculate with concurrent workers
//   4. Reports latency, throughput, points and review-flag statistics
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type exercise struct {
	Key      string `json:"key"`
	Category string `json:"category"`
}

type exercisesResponse struct {
	Exercises []exercise `json:"exercises"`
}

type activityRequest struct {
	UserID      string          `json:"userId"`
	ExerciseKey string          `json:"exerciseKey"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	Metrics     activityMetrics `json:"metrics"`
}

type activityMetrics struct {
	Sets           int       `json:"sets,omitempty"`
	Reps           []int     `json:"reps,omitempty"`
	WeightsKg      []float64 `json:"weightsKg,omitempty"`
	DurationS      float64   `json:"durationS,omitempty"`
	DistanceM      float64   `json:"distanceM,omitempty"`
	ElevationGainM float64   `json:"elevationGainM,omitempty"`
}

type calculationResponse struct {
	Calculation struct {
		TotalPoints    float64 `json:"totalPoints"`
		RequiresReview bool    `json:"requiresReview"`
	} `json:"calculation"`
	Unlocked []json.RawMessage `json:"unlockedAchievements"`
}

type metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	TotalReviews   int64
	TotalUnlocks   int64

	mu          sync.Mutex
	totalPoints float64
	latenciesMs []float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Tally base URL")
	users := flag.Int("users", 50, "Size of the synthetic user pool")
	activities := flag.Int("activities", 1000, "Total activities to submit")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 0, "Random seed (0 = time-based)")
	verbose := flag.Bool("verbose", false, "Print each activity result")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              TALLY LOAD GENERATOR                             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nTally URL:   %s\n", *baseURL)
	fmt.Printf("Users:       %d\n", *users)
	fmt.Printf("Activities:  %d\n", *activities)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Tally not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Tally is running:")
		fmt.Println("  go run cmd/tally/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Tally is healthy")

	exercises, err := fetchExercises(*baseURL)
	if err != nil {
		fmt.Printf("ERROR: failed to list exercises: %v\n", err)
		os.Exit(1)
	}
	if len(exercises) == 0 {
		fmt.Println("ERROR: no exercises in the active ruleset - import one via POST /rulesets")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d exercises from the active ruleset\n", len(exercises))

	fmt.Printf("\nSubmitting %d activities with %d workers...\n", *activities, *workers)
	startTime := time.Now()
	m := run(*baseURL, exercises, *users, *activities, *workers, *seed, *verbose)
	duration := time.Since(startTime)

	printResults(m, duration)
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

func fetchExercises(baseURL string) ([]exercise, error) {
	resp, err := http.Get(baseURL + "/exercises")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body exercisesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Exercises, nil
}

func run(baseURL string, exercises []exercise, users, activities, numWorkers int, seed int64, verbose bool) *metrics {
	m := &metrics{}

	work := make(chan activityRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for req := range work {
				start := time.Now()
				result, err := submit(client, baseURL, req)
				elapsed := float64(time.Since(start).Microseconds()) / 1000.0

				atomic.AddInt64(&m.TotalProcessed, 1)
				m.mu.Lock()
				m.latenciesMs = append(m.latenciesMs, elapsed)
				m.mu.Unlock()

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s/%s -> %v\n", req.UserID, req.ExerciseKey, err)
					}
					continue
				}

				if result.Calculation.RequiresReview {
					atomic.AddInt64(&m.TotalReviews, 1)
				}
				atomic.AddInt64(&m.TotalUnlocks, int64(len(result.Unlocked)))
				m.mu.Lock()
				m.totalPoints += result.Calculation.TotalPoints
				m.mu.Unlock()

				if verbose {
					flag := " "
					if result.Calculation.RequiresReview {
						flag = "⚑"
					}
					fmt.Printf("%s %-12s | %-16s | %8.1f pts | unlocks: %d\n",
						flag, req.UserID, req.ExerciseKey,
						result.Calculation.TotalPoints, len(result.Unlocked))
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < activities; i++ {
		work <- synthesize(rng, exercises, users)
	}
	close(work)

	wg.Wait()
	return m
}

// synthesize builds one plausible activity. Metric shape follows the
// exercise category: strength gets sets with reps and weights, cardio
// gets duration and distance, anything else gets a duration.
func synthesize(rng *rand.Rand, exercises []exercise, users int) activityRequest {
	ex := exercises[rng.Intn(len(exercises))]
	started := time.Now().UTC().Add(-time.Duration(rng.Intn(3600)) * time.Second)

	var metrics activityMetrics
	var workoutLen time.Duration

	switch ex.Category {
	case "strength":
		sets := 2 + rng.Intn(4)
		reps := make([]int, sets)
		weights := make([]float64, sets)
		for i := range reps {
			reps[i] = 5 + rng.Intn(10)
			weights[i] = 20 + float64(rng.Intn(80))
		}
		metrics = activityMetrics{Sets: sets, Reps: reps, WeightsKg: weights}
		workoutLen = time.Duration(10+rng.Intn(40)) * time.Minute
	case "cardio":
		distance := 1000 + float64(rng.Intn(9000))
		// Plausible pace around 5-8 min/km.
		duration := distance / 1000 * float64(300+rng.Intn(180))
		metrics = activityMetrics{DurationS: duration, DistanceM: distance}
		workoutLen = time.Duration(duration) * time.Second
	default:
		duration := float64(600 + rng.Intn(2400))
		metrics = activityMetrics{DurationS: duration}
		workoutLen = time.Duration(duration) * time.Second
	}

	return activityRequest{
		UserID:      fmt.Sprintf("loadgen-user-%03d", rng.Intn(users)),
		ExerciseKey: ex.Key,
		StartedAt:   started,
		EndedAt:     started.Add(workoutLen),
		Metrics:     metrics,
	}
}

func submit(client *http.Client, baseURL string, req activityRequest) (*calculationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/calculate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result calculationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      LOAD TEST RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	ok := m.TotalProcessed - m.TotalErrors

	fmt.Printf("\n📊 SUBMISSIONS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Succeeded:        %d\n", ok)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Flagged (review): %d\n", m.TotalReviews)
	fmt.Printf("   Unlocks:          %d\n", m.TotalUnlocks)

	if ok > 0 {
		fmt.Printf("\n🎯 POINTS\n")
		fmt.Printf("   Total Awarded:    %.0f\n", m.totalPoints)
		fmt.Printf("   Avg per Activity: %.1f\n", m.totalPoints/float64(ok))
	}

	fmt.Printf("\n⏱  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(m.latenciesMs) > 0 {
		sort.Float64s(m.latenciesMs)
		var sum float64
		for _, l := range m.latenciesMs {
			sum += l
		}
		p := func(q float64) float64 {
			idx := int(q * float64(len(m.latenciesMs)-1))
			return m.latenciesMs[idx]
		}
		fmt.Printf("   Avg Latency:      %.2f ms\n", sum/float64(len(m.latenciesMs)))
		fmt.Printf("   p50 / p95 / p99:  %.2f / %.2f / %.2f ms\n", p(0.50), p(0.95), p(0.99))
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
