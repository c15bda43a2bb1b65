package quality

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptobroker/backend/internal/testutil/fixtures"
)

func secInput() Input {
	raw := fixtures.SECArticle(time.Now())
	return Input{Title: raw.Title, Body: raw.Body, Source: raw.Source, URL: raw.URL}
}

func TestEvaluate_AcceptsReliableRelevantArticle(t *testing.T) {
	f := New(DefaultPolicy())

	res := f.Evaluate(secInput())

	assert.True(t, res.Accepted)
	assert.Empty(t, res.Reason)
	assert.Greater(t, res.Score, 0.8)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.Equal(t, "reuters.com", res.Breakdown.Domain)
	assert.Equal(t, 1.0, res.Breakdown.Source)
	assert.Contains(t, res.Breakdown.MatchedSymbols, "BTC")
	assert.Contains(t, res.Breakdown.MatchedTerms, "sec")
}

func TestEvaluate_ShortBodiesAreStubs(t *testing.T) {
	f := New(DefaultPolicy())

	for _, n := range []int{0, 20, 149} {
		in := secInput()
		in.Body = fixtures.Words(n)

		res := f.Evaluate(in)

		assert.False(t, res.Accepted, "words=%d", n)
		assert.Equal(t, ReasonInsufficientContent, res.Reason, "words=%d", n)
		assert.Equal(t, n, res.Breakdown.Words)
	}

	in := secInput()
	in.Body = fixtures.Words(150)
	assert.True(t, f.Evaluate(in).Accepted)
}

func TestEvaluate_DeniedSourceWinsOverOtherFailures(t *testing.T) {
	f := New(DefaultPolicy())
	in := secInput()
	in.Source = "https://www.pumpsignals.io/posts/1"
	in.Body = "short"

	res := f.Evaluate(in)

	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonLowReliabilitySource, res.Reason)
	assert.Zero(t, res.Breakdown.Source)
}

func TestEvaluate_SubdomainOfAllowedSource(t *testing.T) {
	f := New(DefaultPolicy())
	in := secInput()
	in.Source = "Reuters"
	in.URL = "https://markets.reuters.com/story"

	res := f.Evaluate(in)
	assert.Equal(t, "markets.reuters.com", res.Breakdown.Domain)
	assert.Equal(t, 1.0, res.Breakdown.Source)
}

func TestEvaluate_Clickbait(t *testing.T) {
	f := New(DefaultPolicy())
	in := secInput()
	in.Title = "SHOCKING: BITCOIN TO THE MOON!!! You won't believe this"

	res := f.Evaluate(in)

	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonClickbait, res.Reason)
	assert.GreaterOrEqual(t, res.Breakdown.Clickbait, 0.6)
}

func TestClickbaitScore_AcronymsAreNotShouting(t *testing.T) {
	f := New(DefaultPolicy())

	assert.Zero(t, f.clickbaitScore("SEC and CFTC weigh BTC ETF rules"))
	assert.Zero(t, f.clickbaitScore("Is the rally over?"))
	assert.Greater(t, f.clickbaitScore("Is the rally over?? Really?"), 0.0)
}

func TestEvaluate_NotRelevant(t *testing.T) {
	f := New(DefaultPolicy())
	body := strings.Repeat("Slow roasted tomatoes with garlic and olive oil make a simple sauce for pasta dishes. ", 20)

	res := f.Evaluate(Input{Title: "Summer pasta recipes", Body: body, Source: "reuters.com"})

	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonNotRelevant, res.Reason)
	assert.Zero(t, res.Breakdown.Relevance)
}

func TestEvaluate_BelowThreshold(t *testing.T) {
	f := New(Policy{Threshold: 0.95})
	in := secInput()
	in.Source = "unknown-blog.example"

	res := f.Evaluate(in)

	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonBelowThreshold, res.Reason)
	assert.Equal(t, unknownSourceScore, res.Breakdown.Source)
}

func TestDetectSymbols(t *testing.T) {
	f := New(DefaultPolicy())

	got := f.DetectSymbols("Ethereum ETF decision looms", "Bitcoin and $SOL traders watched BTC and the sol festival.")
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, got)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
denied_sources:
  - reuters.com
min_words: 10
`), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 10, p.MinWords)
	assert.Equal(t, 0.5, p.Threshold)
	assert.NotEmpty(t, p.TrackedSymbols)

	res := New(p).Evaluate(secInput())
	assert.Equal(t, ReasonLowReliabilitySource, res.Reason)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
