package dispatch

import (
	"strings"
	"time"

	"github.com/varie-ai/varie/internal/session"
)

// matchThreshold is the minimum fuzzy score a worker must clear to win a
// route without auto-creation.
const matchThreshold = 50

// scoreWorker rates how well one worker matches a route query. Scores are
// additive across signals; recency breaks ties toward recently-used
// sessions.
func scoreWorker(w session.Info, query string, now time.Time) int {
	q := strings.ToLower(strings.TrimSpace(query))
	repoName := strings.ToLower(w.Repo)
	task := strings.ToLower(w.TaskID)
	path := strings.ToLower(w.Path)

	score := 0
	switch {
	case repoName == q:
		score += 100
	case strings.Contains(repoName, q):
		score += 50
	case strings.Contains(q, repoName) && repoName != "":
		score += 40
	}

	if task != "" {
		if task == q {
			score += 80
		} else if strings.Contains(task, q) || strings.Contains(q, task) {
			score += 30
		}
	}

	if path != "" && strings.Contains(path, q) {
		score += 20
	}

	for _, term := range strings.Fields(q) {
		if len(term) < 3 {
			continue
		}
		if strings.Contains(repoName, term) {
			score += 10
		}
		if task != "" && strings.Contains(task, term) {
			score += 10
		}
		if path != "" && strings.Contains(path, term) {
			score += 5
		}
	}

	since := now.Sub(w.LastActive)
	if since < time.Hour {
		score += 15
	} else if since < 24*time.Hour {
		score += 5
	}
	return score
}

// bestWorker returns the single highest scorer above the threshold, or ok
// false when nothing clears it.
func bestWorker(workers []session.Info, query string, now time.Time) (session.Info, bool) {
	var best session.Info
	bestScore := 0
	for _, w := range workers {
		if s := scoreWorker(w, query, now); s > bestScore {
			best, bestScore = w, s
		}
	}
	return best, bestScore >= matchThreshold
}
