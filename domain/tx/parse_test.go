package tx

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePair(t *testing.T) {
	p, err := ParsePair("btc:1-USD:2")
	require.NoError(t, err)
	assert.Equal(t, Pair{
		Base:  Token{Chain: ChainOf("btc"), ID: 1},
		Quote: Token{Chain: ChainOf("USD"), ID: 2},
	}, p)
	assert.Equal(t, "btc:1-USD:2", p.String())

	for _, bad := range []string{"", "BTC:1", "BTC:1-USD", "BTCX:1-USD:2", "BTC:x-USD:2", "BTC:1-USD:-2"} {
		_, err := ParsePair(bad)
		assert.True(t, errors.Is(err, ErrSyntax), bad)
	}
}

func TestParsePublicKey(t *testing.T) {
	want := testKey(0x5a)
	got, err := ParsePublicKey(want.Hex())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParsePublicKey("0x" + want.Hex())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParsePublicKey(want.Hex()[:64])
	assert.True(t, errors.Is(err, ErrSyntax))
}
