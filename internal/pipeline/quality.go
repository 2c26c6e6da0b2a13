package pipeline

import (
	"strings"
)

var qualityKeywords = []string{"api", "documentation", "guide", "tutorial", "reference", "manual"}

var scopedPathMarkers = []string{"/docs/", "/documentation/", "/guide/", "/tutorial/", "/api/", "/reference/"}

// ScoreQuality assesses a page's content and URL against the fixed
// heuristic, clamped to [0,100].
func ScoreQuality(content, pageURL string) int {
	score := 0

	if strings.Contains(content, "# ") || strings.Contains(content, "## ") {
		score += 15
	}

	codeBlocks := strings.Count(content, "```") / 2
	if codeBlocks > 0 {
		score += 15
		bonus := codeBlocks * 5
		if bonus > 20 {
			bonus = 20
		}
		score += bonus
	}

	length := len(content)
	if length > 1000 {
		score += 10
	}
	if length > 5000 {
		score += 15
	}

	lower := strings.ToLower(content)
	keywordBonus := 0
	for _, kw := range qualityKeywords {
		keywordBonus += 5 * strings.Count(lower, kw)
	}
	if keywordBonus > 25 {
		keywordBonus = 25
	}
	score += keywordBonus

	lowerURL := strings.ToLower(pageURL)
	for _, marker := range scopedPathMarkers {
		if strings.Contains(lowerURL, marker) {
			score += 15
			break
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// WordCount is the whitespace-delimited token count used for PageRecord.WordCount.
func WordCount(content string) int {
	return len(strings.Fields(content))
}
