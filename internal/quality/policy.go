package quality

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the lists the filter scores against. It can be loaded from YAML so the
// allow/deny classification is maintained outside the binary.
type Policy struct {
	AllowedSources     []string          `yaml:"allowed_sources"`
	DeniedSources      []string          `yaml:"denied_sources"`
	TrackedSymbols     []string          `yaml:"tracked_symbols"`
	SymbolAliases      map[string]string `yaml:"symbol_aliases"`
	Keywords           []string          `yaml:"keywords"`
	ClickbaitPhrases   []string          `yaml:"clickbait_phrases"`
	Acronyms           []string          `yaml:"acronyms"`
	MinWords           int               `yaml:"min_words"`
	ClickbaitThreshold float64           `yaml:"clickbait_threshold"`
	Threshold          float64           `yaml:"threshold"`
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedSources: []string{
			"reuters.com", "bloomberg.com", "coindesk.com", "theblock.co", "cointelegraph.com",
			"decrypt.co", "wsj.com", "ft.com", "cnbc.com", "sec.gov", "cftc.gov", "apnews.com",
			"forbes.com", "blockworks.co",
		},
		DeniedSources: []string{
			"cryptomoonshots.example", "pumpsignals.io", "free-crypto-giveaway.com", "bitcoin-doubler.net",
			"coinrumors.biz", "moonpump.news",
		},
		TrackedSymbols: []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOGE", "BNB", "USDT", "USDC"},
		SymbolAliases: map[string]string{
			"bitcoin":  "BTC",
			"ether":    "ETH",
			"ethereum": "ETH",
			"solana":   "SOL",
			"ripple":   "XRP",
			"cardano":  "ADA",
			"dogecoin": "DOGE",
			"tether":   "USDT",
		},
		Keywords: []string{
			"crypto", "cryptocurrency", "blockchain", "token", "stablecoin", "exchange", "defi", "etf",
			"regulatory", "regulation", "sec", "cftc", "mining", "wallet", "custody", "staking", "halving",
			"securities", "digital asset", "digital assets",
		},
		ClickbaitPhrases: []string{
			"you won't believe", "shocking", "to the moon", "guaranteed", "get rich", "100x", "1000x",
			"secret", "insane", "must see", "this one trick", "don't miss", "last chance", "skyrocket",
			"millionaire", "explodes", "game changer",
		},
		Acronyms: []string{
			"SEC", "CFTC", "ETF", "DEFI", "NFT", "CEO", "CFO", "USD", "EU", "US", "UK", "FBI", "DOJ", "IRS",
			"FTX", "IPO", "AI", "API", "DAO", "KYC", "AML",
		},
		MinWords:           150,
		ClickbaitThreshold: 0.6,
		Threshold:          0.5,
	}
}

// LoadPolicy reads a YAML policy file and fills any field it leaves empty from DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read quality policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse quality policy: %w", err)
	}

	return p.withDefaults(), nil
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.AllowedSources == nil {
		p.AllowedSources = d.AllowedSources
	}
	if p.DeniedSources == nil {
		p.DeniedSources = d.DeniedSources
	}
	if p.TrackedSymbols == nil {
		p.TrackedSymbols = d.TrackedSymbols
	}
	if p.SymbolAliases == nil {
		p.SymbolAliases = d.SymbolAliases
	}
	if p.Keywords == nil {
		p.Keywords = d.Keywords
	}
	if p.ClickbaitPhrases == nil {
		p.ClickbaitPhrases = d.ClickbaitPhrases
	}
	if p.Acronyms == nil {
		p.Acronyms = d.Acronyms
	}
	if p.MinWords <= 0 {
		p.MinWords = d.MinWords
	}
	if p.ClickbaitThreshold <= 0 {
		p.ClickbaitThreshold = d.ClickbaitThreshold
	}
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	return p
}

func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}

// domainMatches reports whether domain equals entry or is a subdomain of it.
func domainMatches(domain, entry string) bool {
	entry = normalizeDomain(entry)
	return domain == entry || strings.HasSuffix(domain, "."+entry)
}
