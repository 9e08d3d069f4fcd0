package supervisor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// healthResult is what a child's /health response tells us about its
// loaded surface, once it reports ready.
type healthResult struct {
	Tools     int
	Resources int
	Prompts   *int
}

type healthBody struct {
	Tools     json.RawMessage `json:"tools"`
	Resources json.RawMessage `json:"resources"`
	Prompts   json.RawMessage `json:"prompts"`
}

// waitHealthy polls http://127.0.0.1:port/health up to tun.HealthAttempts
// times, tun.HealthInterval apart, each probe bounded by
// tun.HealthTimeout. It returns the parsed counts on the first 2xx, or
// an error once attempts are exhausted.
func (s *Supervisor) waitHealthy(port int) (healthResult, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	client := &http.Client{Timeout: s.tun.HealthTimeout}

	var lastErr error
	for attempt := 1; attempt <= s.tun.HealthAttempts; attempt++ {
		result, err := probeHealth(client, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < s.tun.HealthAttempts {
			time.Sleep(s.tun.HealthInterval)
		}
	}
	return healthResult{}, fmt.Errorf("child did not become healthy after %d attempts: %w", s.tun.HealthAttempts, lastErr)
}

// probeHealth performs a single GET against url and parses the body.
// Any 2xx status is treated as healthy, per §4.4 step 8 — a child that
// answers 201 or 204 instead of 200 is ready, not unhealthy. A 2xx
// with no parseable counts is still treated as healthy with zero
// counts.
func probeHealth(client *http.Client, url string) (healthResult, error) {
	resp, err := client.Get(url)
	if err != nil {
		return healthResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return healthResult{}, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return healthResult{}, nil
	}

	result := healthResult{}
	result.Tools, _ = decodeCount(body.Tools)
	result.Resources, _ = decodeCount(body.Resources)
	if n, ok := decodeCount(body.Prompts); ok {
		result.Prompts = &n
	}
	return result, nil
}

// decodeCount reports the length of raw if it is a JSON array, or the
// integer value if it is a JSON number. ok is false if raw is absent
// or neither shape.
func decodeCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return len(arr), true
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	return 0, false
}
