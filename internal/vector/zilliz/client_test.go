package zilliz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cryptobroker/backend/internal/storage/models"
)

func TestTimeExpr(t *testing.T) {
	from := time.Unix(1700000000, 0)
	to := time.Unix(1700086400, 0)

	assert.Empty(t, timeExpr(nil))
	assert.Equal(t, "published_at >= 1700000000", timeExpr(&models.TimeRange{From: from}))
	assert.Equal(t, "published_at >= 1700000000 && published_at <= 1700086400", timeExpr(&models.TimeRange{From: from, To: to}))
}

func TestSymbolsRoundTrip(t *testing.T) {
	assert.Equal(t, "|BTC|ETH|", encodeSymbols([]string{"BTC", "ETH"}))
	assert.Equal(t, []string{"BTC", "ETH"}, decodeSymbols("|BTC|ETH|"))
	assert.Empty(t, encodeSymbols(nil))
	assert.Nil(t, decodeSymbols(""))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("ping", nil))

	unavailable := status.Error(codes.Unavailable, "connection refused")
	assert.ErrorIs(t, classify("search", unavailable), models.ErrConnection)

	timeout := fmt.Errorf("rpc: %w", context.DeadlineExceeded)
	assert.True(t, models.IsConnectionError(classify("search", timeout)))

	invalid := status.Error(codes.InvalidArgument, "bad expr")
	err := classify("search", invalid)
	assert.False(t, errors.Is(err, models.ErrConnection))
}

func TestUpsert_RejectsWrongDimension(t *testing.T) {
	z := &Client{collectionName: "crypto_news", vectorDim: 4}

	err := z.Upsert(context.Background(), models.EmbeddingRecord{DocumentID: "d", Vector: []float32{1, 2}})
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)

	_, err = z.Search(context.Background(), []float32{1}, models.Filter{}, 3)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// "€" is three bytes; a cut inside it drops the whole rune
	s := "ab€cd"
	for n := 2; n <= 4; n++ {
		out := truncate(s, n)
		assert.True(t, utf8.ValidString(out), "n=%d", n)
		assert.Equal(t, "ab", out, "n=%d", n)
	}
	assert.Equal(t, "ab€", truncate(s, 5))

	assert.Equal(t, "", truncate("日本", 2))
}
