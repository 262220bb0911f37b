package knowledge

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/avatar-labs/internal/domain"
)

// Ranking weights. Context overlap dominates; usage and recency break ties so
// that lessons which keep getting applied, and newer corrections of the same
// mistake, float to the top.
const (
	overlapWeight = 0.6
	usageWeight   = 0.25
	recencyWeight = 0.15
)

// stopwords excluded from retrieval keys. Keeps keyword overlap from matching
// on filler ("the", "what") instead of content words.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "do": {}, "for": {}, "from": {}, "have": {}, "how": {},
	"i": {}, "if": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "so": {}, "that": {},
	"the": {}, "they": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"what": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// NormalizeKey lowercases text and strips stopwords and punctuation, producing
// the space-joined keyword form stored as a retrieval key.
func NormalizeKey(text string) string {
	return strings.Join(tokenize(text), " ")
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if _, skip := stopwords[f]; skip || len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// Rank orders entries by descending relevance to the context hint. The score
// is best effort: exactness is not a correctness requirement, only the
// ordering of obviously-relevant entries above obviously-irrelevant ones.
func Rank(entries []domain.LearnedResponse, contextHint string) []domain.LearnedResponse {
	hint := make(map[string]struct{})
	for _, tok := range tokenize(contextHint) {
		hint[tok] = struct{}{}
	}

	type scored struct {
		entry domain.LearnedResponse
		score float64
	}
	ranked := make([]scored, 0, len(entries))
	maxUse := 0
	for _, e := range entries {
		if e.UseCount > maxUse {
			maxUse = e.UseCount
		}
	}

	for _, e := range entries {
		ranked = append(ranked, scored{entry: e, score: score(e, hint, maxUse)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		// Later corrections supersede earlier ones at equal relevance.
		return ranked[i].entry.ID > ranked[j].entry.ID
	})

	out := make([]domain.LearnedResponse, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}

func score(e domain.LearnedResponse, hint map[string]struct{}, maxUse int) float64 {
	keyTokens := tokenize(e.ContextKey + " " + e.Lesson)
	overlap := 0.0
	if len(keyTokens) > 0 && len(hint) > 0 {
		matches := 0
		for _, tok := range keyTokens {
			if _, ok := hint[tok]; ok {
				matches++
			}
		}
		overlap = float64(matches) / float64(len(keyTokens))
	}

	usage := 0.0
	if maxUse > 0 {
		usage = float64(e.UseCount) / float64(maxUse)
	}

	// Exponential recency decay, half-life around 35 days.
	days := time.Since(e.CreatedAt).Hours() / 24.0
	recency := math.Exp(-0.02 * days)

	return overlapWeight*overlap + usageWeight*usage + recencyWeight*recency
}
