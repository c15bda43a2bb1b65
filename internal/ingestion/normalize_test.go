package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/utils"
)

func TestNormalize_HTMLOnlyDocument(t *testing.T) {
	p := &Processor{}
	doc := p.normalize(models.RawDocument{
		HTML: `<html><head><title> Bitcoin slides </title><style>p{}</style></head>
<body><nav>Menu</nav><p>BTC fell   today.</p><footer>(c)</footer></body></html>`,
		Source:  " coindesk.com ",
		Symbols: []string{"btc", "BTC", " eth "},
	})

	assert.Equal(t, "Bitcoin slides", doc.Title)
	assert.Equal(t, "BTC fell today.", doc.Body)
	assert.Equal(t, "coindesk.com", doc.Source)
	assert.Equal(t, []string{"BTC", "ETH"}, doc.Symbols)
	assert.Equal(t, utils.ContentID(doc.Title, doc.Body), doc.ID)
	assert.False(t, doc.PublishedAt.IsZero())
}

func TestNormalize_PrefersProvidedFields(t *testing.T) {
	p := &Processor{}
	published := time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC)
	doc := p.normalize(models.RawDocument{
		Title:       "Given title",
		Body:        "Given body",
		HTML:        "<html><body><h1>Other</h1><p>Other body</p></body></html>",
		PublishedAt: published,
	})

	assert.Equal(t, "Given title", doc.Title)
	assert.Equal(t, "Given body", doc.Body)
	assert.Equal(t, published, doc.PublishedAt)
}

func TestExtractTitle_FallsBackToHeading(t *testing.T) {
	assert.Equal(t, "Headline", extractTitle("<html><body><h1>Headline</h1></body></html>"))
}
