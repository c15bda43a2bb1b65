package models

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	got, err := ParseEntityType("Organization")
	require.NoError(t, err)
	assert.Equal(t, EntityOrganization, got)

	got, err = ParseEntityType("regulator")
	require.NoError(t, err)
	assert.Equal(t, EntityOrganization, got)

	_, err = ParseEntityType("planet")
	assert.ErrorIs(t, err, ErrInvalidEntityType)
}

func TestParseQueryType(t *testing.T) {
	got, err := ParseQueryType("")
	require.NoError(t, err)
	assert.Equal(t, QueryHybrid, got)

	_, err = ParseQueryType("keyword")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRelationshipType_FromDocument(t *testing.T) {
	assert.True(t, RelMentions.FromDocument())
	assert.True(t, RelHasSentiment.FromDocument())
	assert.False(t, RelRelatedTo.FromDocument())

	rt, err := ParseRelationshipType("related to")
	require.NoError(t, err)
	assert.Equal(t, RelRelatedTo, rt)
}

func TestFilter_Matches(t *testing.T) {
	now := time.Now()
	f := Filter{
		Symbols:   []string{"btc"},
		TimeRange: &TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	}

	assert.True(t, f.Matches([]string{"ETH", "BTC"}, now))
	assert.False(t, f.Matches([]string{"ETH"}, now))
	assert.False(t, f.Matches([]string{"BTC"}, now.Add(-2*time.Hour)))
	assert.True(t, Filter{}.Matches(nil, now))
}

func TestTimeRange_Validate(t *testing.T) {
	now := time.Now()
	bad := &TimeRange{From: now, To: now.Add(-time.Minute)}
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	var none *TimeRange
	assert.NoError(t, none.Validate())
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(fmt.Errorf("search: %w", ErrConnection)))
	assert.True(t, IsConnectionError(fmt.Errorf("search: %w", context.DeadlineExceeded)))
	assert.False(t, IsConnectionError(ErrDimensionMismatch))
}
