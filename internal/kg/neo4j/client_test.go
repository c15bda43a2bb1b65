package neo4j

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cryptobroker/backend/internal/storage/models"
)

func TestRelationshipQuery(t *testing.T) {
	rel := relationshipQuery(models.RelRelatedTo)
	assert.Contains(t, rel, "MATCH (s:Entity {id: $source})")
	assert.Contains(t, rel, "RELATES {type: $type}")
	assert.Contains(t, rel, "CASE WHEN r.strength > $strength")

	mention := relationshipQuery(models.RelMentions)
	assert.Contains(t, mention, "MATCH (s:Document {id: $source})")
	assert.Contains(t, mention, "MERGE (s)-[r:MENTIONS]->(t)")

	sentiment := relationshipQuery(models.RelHasSentiment)
	assert.Contains(t, sentiment, "DELETE old")
	assert.Contains(t, sentiment, "MERGE (t:Sentiment {label: $target})")
}

func TestFilterParams(t *testing.T) {
	params := filterParams(models.Filter{})
	assert.Nil(t, params["from"])
	assert.Nil(t, params["to"])
	assert.Equal(t, []string{}, params["symbols"])

	from := time.Unix(1700000000, 0)
	params = filterParams(models.Filter{
		Symbols:   []string{"btc", "Eth"},
		TimeRange: &models.TimeRange{From: from},
	})
	assert.Equal(t, int64(1700000000), params["from"])
	assert.Nil(t, params["to"])
	assert.Equal(t, []string{"BTC", "ETH"}, params["symbols"])
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("ping", nil))

	refused := errors.New("ConnectivityError: dial tcp 127.0.0.1:7687: connect: connection refused")
	assert.ErrorIs(t, classify("ping", refused), models.ErrConnection)

	timeout := fmt.Errorf("session: %w", context.DeadlineExceeded)
	assert.True(t, models.IsConnectionError(classify("read", timeout)))

	syntax := errors.New("Neo.ClientError.Statement.SyntaxError: invalid input")
	assert.False(t, errors.Is(classify("read", syntax), models.ErrConnection))
}
