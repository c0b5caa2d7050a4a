package memory

// Health-check thresholds.
const (
	minHitRate       = 0.5
	maxUtilization   = 0.9
	maxAvgRetrieval  = 100.0 // milliseconds
	minPoolReuseRate = 0.3
)

type HealthReport struct {
	Score           int      `json:"score"` // 0-100
	Status          string   `json:"status"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Stats           Stats    `json:"stats"`
}

// HealthCheck scores the subsystem 0-100 and buckets the result. Each
// degraded signal deducts points and contributes an issue/recommendation
// pair.
func (m *Manager) HealthCheck() HealthReport {
	stats := m.Stats()
	score := 100
	var issues, recs []string

	if m.retrievals.Load() > 0 && stats.HitRate < minHitRate {
		score -= 25
		issues = append(issues, "low cache hit rate")
		recs = append(recs, "increase cache capacity or review key access patterns")
	}

	if stats.MaxBytes > 0 && float64(stats.Bytes)/float64(stats.MaxBytes) > maxUtilization {
		score -= 20
		issues = append(issues, "high memory utilization")
		recs = append(recs, "raise max_bytes or tighten namespace retention policies")
	}

	if stats.AvgRetrievalMs > maxAvgRetrieval {
		score -= 25
		issues = append(issues, "slow average retrieval time")
		recs = append(recs, "check persistence layer latency and compression threshold")
	}

	allocated, reused := m.pool.Stats()
	if allocated+reused > 0 && stats.PoolReuseRate < minPoolReuseRate {
		score -= 15
		issues = append(issues, "low object pool reuse rate")
		recs = append(recs, "verify entries are returned to the pool after eviction")
	}

	if score < 0 {
		score = 0
	}

	status := "healthy"
	switch {
	case score < 50:
		status = "critical"
	case score < 80:
		status = "warning"
	}

	return HealthReport{
		Score:           score,
		Status:          status,
		Issues:          issues,
		Recommendations: recs,
		Stats:           stats,
	}
}
