package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hivegrid/hivegrid/internal/agent"
	"github.com/hivegrid/hivegrid/internal/config"
)

// NewAnalyzer returns the HTTP-backed analyzer when an endpoint is
// configured, otherwise the local heuristic one.
func NewAnalyzer(cfg config.CollabConfig, token string) agent.PatternAnalyzer {
	if cfg.AnalyzerURL != "" {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return &HTTPAnalyzer{
			url:    cfg.AnalyzerURL,
			token:  token,
			client: &http.Client{Timeout: timeout},
		}
	}
	return &HeuristicAnalyzer{}
}

// HeuristicAnalyzer derives an analysis from the task text alone. It is
// deterministic: the same description always produces the same result.
type HeuristicAnalyzer struct{}

var capabilityKeywords = map[string]string{
	"research":  "research",
	"investig":  "research",
	"implement": "code",
	"code":      "code",
	"build":     "code",
	"fix":       "code",
	"analy":     "analyze",
	"report":    "analyze",
	"test":      "test",
	"verify":    "test",
	"review":    "review",
	"audit":     "review",
}

func (h *HeuristicAnalyzer) AnalyzePattern(ctx context.Context, description string) (*agent.PatternAnalysis, error) {
	lower := strings.ToLower(description)

	// Keywords are matched in sorted order so the derived requirements,
	// and the execution plan built from them, are stable across runs.
	keywords := make([]string, 0, len(capabilityKeywords))
	for k := range capabilityKeywords {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	var requirements []string
	seen := make(map[string]bool)
	for _, keyword := range keywords {
		capability := capabilityKeywords[keyword]
		if strings.Contains(lower, keyword) && !seen[capability] {
			seen[capability] = true
			requirements = append(requirements, capability)
		}
	}

	complexity := "low"
	estimate := 2 * time.Minute
	switch {
	case len(requirements) >= 3 || len(description) > 500:
		complexity = "high"
		estimate = 15 * time.Minute
	case len(requirements) == 2 || len(description) > 120:
		complexity = "moderate"
		estimate = 5 * time.Minute
	}

	return &agent.PatternAnalysis{
		Complexity:            complexity,
		EstimatedTime:         estimate,
		Requirements:          requirements,
		SuggestedCapabilities: requirements,
	}, nil
}

// HTTPAnalyzer calls an external analysis service. Any failure surfaces
// as an error; the agent degrades to defaults.
type HTTPAnalyzer struct {
	url    string
	token  string
	client *http.Client
}

func (h *HTTPAnalyzer) AnalyzePattern(ctx context.Context, description string) (*agent.PatternAnalysis, error) {
	body, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis service returned %d", resp.StatusCode)
	}

	var analysis agent.PatternAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return &analysis, nil
}
