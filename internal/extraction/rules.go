package extraction

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/cryptobroker/backend/internal/storage/models"
)

const (
	confidenceGazetteer = 0.9
	confidenceSymbol    = 0.8
	confidencePattern   = 0.7
	confidenceNER       = 0.6

	confidenceCooccurrence = 0.7
	confidenceImpact       = 0.6
)

type gazetteerEntry struct {
	name    string
	typ     models.EntityType
	aliases []string
}

var defaultGazetteer = []gazetteerEntry{
	{"SEC", models.EntityOrganization, []string{"sec", "securities and exchange commission"}},
	{"CFTC", models.EntityOrganization, []string{"cftc", "commodity futures trading commission"}},
	{"Federal Reserve", models.EntityOrganization, []string{"federal reserve", "the fed"}},
	{"Department of Justice", models.EntityOrganization, []string{"department of justice", "doj"}},
	{"Binance", models.EntityOrganization, []string{"binance"}},
	{"Coinbase", models.EntityOrganization, []string{"coinbase"}},
	{"Kraken", models.EntityOrganization, []string{"kraken"}},
	{"Tether", models.EntityOrganization, []string{"tether"}},
	{"Circle", models.EntityOrganization, []string{"circle"}},
	{"BlackRock", models.EntityOrganization, []string{"blackrock"}},
	{"Grayscale", models.EntityOrganization, []string{"grayscale"}},
	{"MicroStrategy", models.EntityOrganization, []string{"microstrategy"}},
	{"Gary Gensler", models.EntityPerson, []string{"gary gensler", "gensler"}},
	{"Changpeng Zhao", models.EntityPerson, []string{"changpeng zhao", "cz"}},
	{"Vitalik Buterin", models.EntityPerson, []string{"vitalik buterin", "buterin"}},
	{"ETF", models.EntityTopic, []string{"etf", "etfs", "exchange-traded fund"}},
	{"stablecoin", models.EntityTopic, []string{"stablecoin", "stablecoins"}},
	{"staking", models.EntityTopic, []string{"staking"}},
	{"DeFi", models.EntityTopic, []string{"defi", "decentralized finance"}},
	{"regulation", models.EntityTopic, []string{"regulation", "regulatory"}},
	{"halving", models.EntityEvent, []string{"halving"}},
	{"hack", models.EntityEvent, []string{"hack", "exploit"}},
}

var exchangePattern = regexp.MustCompile(`(?i)\b(major|leading|largest|top|biggest)\s+(?:crypto(?:currency)?\s+)?exchange\b`)

var (
	bullishTerms = []string{"rally", "rallies", "surge", "surged", "soar", "soared", "rose", "rise", "gain", "gains",
		"approval", "approved", "inflows", "record", "climbed", "bullish", "adoption", "upgrade", "breakout"}
	bearishTerms = []string{"fell", "fall", "drop", "dropped", "lawsuit", "sues", "sued", "crash", "plunge", "plunged",
		"hack", "hacked", "ban", "outflows", "bearish", "decline", "selloff", "fraud", "charges", "liquidation"}
)

type matcher struct {
	name string
	typ  models.EntityType
	re   *regexp.Regexp
}

// Rules extracts entities with a gazetteer, surface patterns and named-entity recognition,
// links entities that share a sentence, and scores sentiment with a word lexicon.
type Rules struct {
	matchers []matcher
	bullish  map[string]bool
	bearish  map[string]bool
}

func NewRules() *Rules {
	r := &Rules{
		bullish: toSet(bullishTerms),
		bearish: toSet(bearishTerms),
	}
	for _, g := range defaultGazetteer {
		for _, alias := range g.aliases {
			r.matchers = append(r.matchers, matcher{
				name: g.name,
				typ:  g.typ,
				re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(alias) + `\b`),
			})
		}
	}
	return r
}

func (r *Rules) Name() string { return "rules" }

type found struct {
	entity Entity
	pos    int
}

func (r *Rules) Extract(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(in.Title)
	if text != "" && !strings.HasSuffix(text, ".") {
		text += "."
	}
	text = strings.TrimSpace(text + "\n" + in.Body)

	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, err
	}

	res := &Result{Extractor: r.Name()}
	symbols := make(map[string]*regexp.Regexp, len(in.Symbols))
	for _, s := range in.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || symbols[s] != nil {
			continue
		}
		symbols[s] = regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
		res.Entities = append(res.Entities, Entity{Name: s, Type: models.EntitySymbol, Confidence: confidenceSymbol})
	}

	people := make(map[string]bool)
	for _, ent := range doc.Entities() {
		if ent.Label == "PERSON" && len(strings.Fields(ent.Text)) >= 2 && !r.partOfAlias(ent.Text) {
			people[ent.Text] = true
		}
	}

	for _, sent := range doc.Sentences() {
		inSentence := r.scan(sent.Text, symbols, people)
		for _, f := range inSentence {
			res.Entities = append(res.Entities, f.entity)
		}
		res.Relationships = append(res.Relationships, link(inSentence)...)
	}

	res.Sentiment, res.SentimentScore = r.sentiment(text)
	dedupe(res)
	return res, nil
}

// partOfAlias reports whether name is a fragment of a known alias, as when NER reads
// "Exchange Commission" out of "Securities and Exchange Commission".
func (r *Rules) partOfAlias(name string) bool {
	name = strings.ToLower(strings.Join(strings.Fields(name), " "))
	for _, g := range defaultGazetteer {
		if g.typ == models.EntityPerson {
			continue
		}
		for _, alias := range g.aliases {
			if strings.Contains(alias, name) {
				return true
			}
		}
	}
	return false
}

// freeIndex returns the first occurrence of sub in s that overlaps no covered span, or -1.
func freeIndex(s, sub string, covered [][]int) int {
	for from := 0; from <= len(s)-len(sub); {
		i := strings.Index(s[from:], sub)
		if i < 0 {
			return -1
		}
		start := from + i
		end := start + len(sub)
		overlaps := false
		for _, c := range covered {
			if start < c[1] && c[0] < end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			return start
		}
		from = start + 1
	}
	return -1
}

// scan returns the entities found in one sentence ordered by first appearance.
func (r *Rules) scan(sentence string, symbols map[string]*regexp.Regexp, people map[string]bool) []found {
	first := make(map[string]found)
	add := func(e Entity, pos int) {
		k := strings.ToLower(e.Name) + "|" + string(e.Type)
		if cur, ok := first[k]; ok && cur.pos <= pos {
			if e.Confidence > cur.entity.Confidence {
				cur.entity.Confidence = e.Confidence
				first[k] = cur
			}
			return
		}
		first[k] = found{entity: e, pos: pos}
	}

	// spans claimed by the gazetteer and patterns; NER people may not overlap them
	var covered [][]int
	for _, m := range r.matchers {
		locs := m.re.FindAllStringIndex(sentence, -1)
		if len(locs) == 0 {
			continue
		}
		add(Entity{Name: m.name, Type: m.typ, Confidence: confidenceGazetteer}, locs[0][0])
		covered = append(covered, locs...)
	}
	for _, loc := range exchangePattern.FindAllStringIndex(sentence, -1) {
		name := strings.ToLower(sentence[loc[0]:loc[1]])
		add(Entity{Name: strings.Join(strings.Fields(name), " "), Type: models.EntityOrganization, Confidence: confidencePattern}, loc[0])
		covered = append(covered, loc)
	}
	for sym, re := range symbols {
		if loc := re.FindStringIndex(sentence); loc != nil {
			add(Entity{Name: sym, Type: models.EntitySymbol, Confidence: confidenceSymbol}, loc[0])
		}
	}
	for person := range people {
		if pos := freeIndex(sentence, person, covered); pos >= 0 {
			add(Entity{Name: person, Type: models.EntityPerson, Confidence: confidenceNER}, pos)
		}
	}

	out := make([]found, 0, len(first))
	for _, f := range first {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].pos != out[j].pos {
			return out[i].pos < out[j].pos
		}
		return out[i].entity.Name < out[j].entity.Name
	})
	return out
}

// link relates entities that share a sentence, pointing from the earlier mention to the later one.
// Non-symbol entities get an IMPACTS edge to every symbol in the sentence.
func link(ents []found) []Relationship {
	var rels []Relationship
	for i := 0; i < len(ents); i++ {
		a := ents[i].entity
		for j := i + 1; j < len(ents); j++ {
			b := ents[j].entity
			switch {
			case a.Type == models.EntitySymbol && b.Type == models.EntitySymbol:
				continue
			case b.Type == models.EntitySymbol:
				rels = append(rels, Relationship{Source: a.Name, Target: b.Name, Type: models.RelImpacts, Confidence: confidenceImpact})
			case a.Type == models.EntitySymbol:
				rels = append(rels, Relationship{Source: b.Name, Target: a.Name, Type: models.RelImpacts, Confidence: confidenceImpact})
			default:
				rels = append(rels, Relationship{Source: a.Name, Target: b.Name, Type: models.RelRelatedTo, Confidence: confidenceCooccurrence})
			}
		}
	}
	return rels
}

func (r *Rules) sentiment(text string) (models.Sentiment, float64) {
	bull, bear := 0, 0
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !(c >= 'a' && c <= 'z')
	}) {
		if r.bullish[w] {
			bull++
		}
		if r.bearish[w] {
			bear++
		}
	}

	total := bull + bear
	if total == 0 {
		return models.SentimentNeutral, 0.5
	}
	balance := float64(bull-bear) / float64(total)
	if math.Abs(balance) < 0.2 {
		return models.SentimentNeutral, 1 - math.Abs(balance)
	}
	if balance > 0 {
		return models.SentimentBullish, balance
	}
	return models.SentimentBearish, -balance
}

func toSet(words []string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}
