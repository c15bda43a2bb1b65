package quality

import (
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	ReasonLowReliabilitySource = "low_reliability_source"
	ReasonInsufficientContent  = "insufficient_content"
	ReasonClickbait            = "clickbait_detected"
	ReasonNotRelevant          = "not_relevant"
	ReasonBelowThreshold       = "below_quality_threshold"
)

const (
	weightSource    = 0.3
	weightSubstance = 0.2
	weightClickbait = 0.2
	weightRelevance = 0.3

	allowedSourceScore = 1.0
	unknownSourceScore = 0.6
	substanceFullWords = 400
)

type Input struct {
	Title       string
	Body        string
	Source      string
	URL         string
	PublishedAt time.Time
}

type Breakdown struct {
	Domain         string   `json:"domain"`
	Source         float64  `json:"source"`
	Words          int      `json:"words"`
	Substance      float64  `json:"substance"`
	Clickbait      float64  `json:"clickbait"`
	Relevance      float64  `json:"relevance"`
	MatchedSymbols []string `json:"matched_symbols,omitempty"`
	MatchedTerms   []string `json:"matched_terms,omitempty"`
}

type Result struct {
	Accepted  bool      `json:"accepted"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason,omitempty"`
	Breakdown Breakdown `json:"breakdown"`
}

var wordPattern = regexp.MustCompile(`\$?[\p{L}\p{N}]+(?:['’][\p{L}]+)*`)

// Filter scores raw documents. It holds no mutable state and is safe for concurrent use.
type Filter struct {
	policy   Policy
	tracked  map[string]struct{}
	acronyms map[string]struct{}
	aliases  map[string]string
	keywords []string
	phrases  []string
}

func New(policy Policy) *Filter {
	policy = policy.withDefaults()

	f := &Filter{
		policy:   policy,
		tracked:  make(map[string]struct{}, len(policy.TrackedSymbols)),
		acronyms: make(map[string]struct{}, len(policy.Acronyms)),
		aliases:  make(map[string]string, len(policy.SymbolAliases)),
	}
	for _, s := range policy.TrackedSymbols {
		f.tracked[strings.ToUpper(s)] = struct{}{}
	}
	for _, a := range policy.Acronyms {
		f.acronyms[strings.ToUpper(a)] = struct{}{}
	}
	for alias, sym := range policy.SymbolAliases {
		f.aliases[strings.ToLower(alias)] = strings.ToUpper(sym)
	}
	for _, k := range policy.Keywords {
		f.keywords = append(f.keywords, strings.ToLower(k))
	}
	for _, p := range policy.ClickbaitPhrases {
		f.phrases = append(f.phrases, strings.ToLower(p))
	}
	return f
}

func (f *Filter) Policy() Policy {
	return f.policy
}

// Evaluate runs every check and returns the first failing reason, if any. Sub-scores are
// always filled in so rejected documents can still be inspected.
func (f *Filter) Evaluate(in Input) Result {
	var b Breakdown
	var reason string

	b.Domain = documentDomain(in.Source, in.URL)
	sourceScore, denied := f.sourceScore(b.Domain)
	b.Source = sourceScore
	if denied {
		reason = ReasonLowReliabilitySource
	}

	b.Words = len(strings.Fields(in.Body))
	b.Substance = math.Min(1, float64(b.Words)/substanceFullWords)
	if reason == "" && b.Words < f.policy.MinWords {
		reason = ReasonInsufficientContent
	}

	b.Clickbait = f.clickbaitScore(in.Title)
	if reason == "" && b.Clickbait >= f.policy.ClickbaitThreshold {
		reason = ReasonClickbait
	}

	var hits int
	b.Relevance, hits, b.MatchedSymbols, b.MatchedTerms = f.relevance(in.Title, in.Body)
	if reason == "" && hits == 0 {
		reason = ReasonNotRelevant
	}

	score := weightSource*b.Source +
		weightSubstance*b.Substance +
		weightClickbait*(1-b.Clickbait) +
		weightRelevance*b.Relevance
	score = clamp01(score)

	if reason == "" && score < f.policy.Threshold {
		reason = ReasonBelowThreshold
	}

	return Result{
		Accepted:  reason == "",
		Score:     score,
		Reason:    reason,
		Breakdown: b,
	}
}

// DetectSymbols returns the tracked symbols mentioned in title or body, including aliases.
func (f *Filter) DetectSymbols(title, body string) []string {
	_, _, symbols, _ := f.relevance(title, body)
	return symbols
}

func (f *Filter) sourceScore(domain string) (float64, bool) {
	if domain == "" {
		return unknownSourceScore, false
	}
	for _, d := range f.policy.DeniedSources {
		if domainMatches(domain, d) {
			return 0, true
		}
	}
	for _, a := range f.policy.AllowedSources {
		if domainMatches(domain, a) {
			return allowedSourceScore, false
		}
	}
	return unknownSourceScore, false
}

func (f *Filter) clickbaitScore(title string) float64 {
	if strings.TrimSpace(title) == "" {
		return 0
	}

	marks := strings.Count(title, "!") + strings.Count(title, "?")
	punct := math.Min(1, math.Max(0, float64(marks-1))/2)

	words := wordPattern.FindAllString(title, -1)
	var letterWords, caps int
	for _, w := range words {
		w = strings.TrimPrefix(w, "$")
		if !hasLetters(w, 2) {
			continue
		}
		letterWords++
		upper := strings.ToUpper(w)
		if w != upper {
			continue
		}
		if _, ok := f.acronyms[upper]; ok {
			continue
		}
		if _, ok := f.tracked[upper]; ok {
			continue
		}
		caps++
	}
	var capsScore float64
	if letterWords > 0 {
		capsScore = math.Min(1, (float64(caps)/float64(letterWords))/0.5)
	}

	lower := strings.ToLower(title)
	var phraseHits int
	for _, p := range f.phrases {
		if strings.Contains(lower, p) {
			phraseHits++
		}
	}
	phraseScore := math.Min(1, 0.5*float64(phraseHits))

	return clamp01(0.4*punct + 0.3*capsScore + 0.5*phraseScore)
}

// relevance counts distinct tracked symbols, aliases and keywords. Title matches count double.
func (f *Filter) relevance(title, body string) (float64, int, []string, []string) {
	symbols := make(map[string]struct{})
	terms := make(map[string]struct{})

	scan := func(text string) int {
		found := make(map[string]struct{})
		words := wordPattern.FindAllString(text, -1)
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			bare := strings.TrimPrefix(w, "$")
			if _, ok := f.tracked[bare]; ok && (bare == strings.ToUpper(bare) || strings.HasPrefix(w, "$")) {
				symbols[bare] = struct{}{}
				found["sym:"+bare] = struct{}{}
			}
			low := strings.ToLower(bare)
			if sym, ok := f.aliases[low]; ok {
				symbols[sym] = struct{}{}
				found["sym:"+sym] = struct{}{}
			}
			lowered = append(lowered, low)
		}
		padded := " " + strings.Join(lowered, " ") + " "
		for _, k := range f.keywords {
			if strings.Contains(padded, " "+k+" ") {
				terms[k] = struct{}{}
				found["kw:"+k] = struct{}{}
			}
		}
		return len(found)
	}

	titleHits := scan(title)
	bodyHits := scan(body)
	hits := len(symbols) + len(terms)
	score := math.Min(1, float64(bodyHits+2*titleHits)/6)

	return score, hits, sortedKeys(symbols), sortedKeys(terms)
}

func documentDomain(source, rawURL string) string {
	if d := normalizeDomain(source); strings.Contains(d, ".") {
		return d
	}
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return normalizeDomain(u.Host)
}

func hasLetters(s string, n int) bool {
	count := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			count++
		}
	}
	return count >= n
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
