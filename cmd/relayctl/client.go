package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/signal-relay/pkg/middleware"
	"github.com/ksred/signal-relay/pkg/response"
)

// routeStats tracks latency for one endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// relayClient talks to a running relay server
type relayClient struct {
	baseURL string
	secret  string
	token   string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newRelayClient(baseURL, secret, token string, timeout time.Duration) *relayClient {
	return &relayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		stats:   make(map[string]*routeStats),
	}
}

// apiError is a non-2xx reply from the relay
type apiError struct {
	Status  int
	Code    string
	Message string
	Details []string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("relay returned %d %s: %s", e.Status, e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// do sends a request and decodes the data field of the response envelope
// into out
func (rc *relayClient) do(ctx context.Context, stat, method, path string, body, out interface{}) error {
	start := time.Now()
	err := rc.send(ctx, method, path, body, out)
	rc.record(stat, time.Since(start), err != nil)
	return err
}

func (rc *relayClient) send(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rc.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.RequestIDHeader, uuid.NewString())
	if rc.secret != "" {
		req.Header.Set(middleware.WebhookSecretHeader, rc.secret)
	}
	if rc.token != "" {
		req.Header.Set("Authorization", "Bearer "+rc.token)
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("relay response")

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *response.Error `json:"error"`
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !env.Success {
		apiErr := &apiError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (rc *relayClient) record(name string, d time.Duration, failed bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s, ok := rc.stats[name]
	if !ok {
		s = &routeStats{name: name}
		rc.stats[name] = s
	}
	s.add(d, failed)
}

// printStats writes a latency table for every endpoint used
func (rc *relayClient) printStats(w io.Writer) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	names := make([]string, 0, len(rc.stats))
	for name := range rc.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintf(w, "%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, name := range names {
		s := rc.stats[name]
		min, max, mean, median, p95, p99 := s.calculate()
		fmt.Fprintf(w, "%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			s.name,
			s.totalCalls,
			s.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Fprintln(w, strings.Repeat("-", 100))
}
