// Package fixtures holds news articles shared by package tests.
package fixtures

import (
	"strings"
	"time"

	"github.com/cryptobroker/backend/internal/storage/models"
)

const SECParagraph = `The Securities and Exchange Commission filed a lawsuit on Monday accusing the exchange of
operating as an unregistered securities broker and clearing agency. The SEC said the platform listed
several tokens that it considers securities, including assets tied to staking programs. Bitcoin traders
reacted quickly and BTC fell almost four percent in the hours after the complaint became public, while
analysts said the regulatory action could reshape how crypto platforms register with federal regulators.
Gary Gensler has argued for years that most digital assets fall under existing securities law.`

const ETFParagraph = `Asset managers are waiting for a decision on several spot Ethereum ETF applications. ETH rose as
traders priced in approval odds, and analysts at several banks said inflows could mirror the bitcoin
products launched earlier. Custody arrangements and staking remain the key open questions for the
regulator, according to people familiar with the filings. Ether options volume climbed to a record.`

const StablecoinParagraph = `Tether said its USDT reserves grew during the quarter as demand for dollar stablecoin liquidity
rose across exchanges. The company published an attestation listing treasury bills and cash equivalents,
and said it would expand its bitcoin holdings. Critics continue to question the frequency of audits and
whether the token is adequately backed during market stress.`

// LongBody repeats paragraph until the text has at least minWords words.
func LongBody(paragraph string, minWords int) string {
	var parts []string
	words := 0
	n := len(strings.Fields(paragraph))
	for words < minWords {
		parts = append(parts, paragraph)
		words += n
	}
	return strings.Join(parts, "\n\n")
}

// Words returns a body with exactly n words of crypto-relevant text.
func Words(n int) string {
	base := strings.Fields(LongBody(SECParagraph, n))
	return strings.Join(base[:n], " ")
}

func SECArticle(published time.Time) models.RawDocument {
	return models.RawDocument{
		URL:         "https://www.reuters.com/technology/sec-sues-major-exchange",
		Title:       "SEC sues major exchange over unregistered securities",
		Body:        LongBody(SECParagraph, 220),
		Source:      "reuters.com",
		PublishedAt: published,
		Symbols:     []string{"BTC"},
	}
}

func ETFArticle(published time.Time) models.RawDocument {
	return models.RawDocument{
		URL:         "https://www.coindesk.com/markets/eth-etf-decision",
		Title:       "Ethereum ETF decision looms as ETH rallies",
		Body:        LongBody(ETFParagraph, 200),
		Source:      "coindesk.com",
		PublishedAt: published,
		Symbols:     []string{"ETH"},
	}
}

func StablecoinArticle(published time.Time) models.RawDocument {
	return models.RawDocument{
		URL:         "https://www.theblock.co/post/tether-reserves",
		Title:       "Tether reports growth in USDT reserves",
		Body:        LongBody(StablecoinParagraph, 200),
		Source:      "theblock.co",
		PublishedAt: published,
		Symbols:     []string{"USDT"},
	}
}
