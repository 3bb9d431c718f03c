package verify

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/tx"
)

func key(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	b := make([]byte, 32)
	b[31] = seed
	b[0] = 0x11
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}

func newVerifier(t *testing.T, monitor string) *Verifier {
	t.Helper()
	v, err := New(Config{Workers: 3, MonitorKey: monitor}, zerolog.Nop())
	require.NoError(t, err)
	return v
}

func signedOrder(t *testing.T, priv *btcec.PrivateKey, nonce uint32) *tx.Order {
	t.Helper()
	o := &tx.Order{
		Side:   tx.OpBuy,
		Base:   tx.Token{Chain: tx.ChainOf("BTC"), ID: 1},
		Quote:  tx.Token{Chain: tx.ChainOf("USD"), ID: 2},
		Amount: 1.5,
		Price:  42000,
		Time:   1700000000,
		Nonce:  nonce,
		Index:  uint64(nonce) + 1,
	}
	require.NoError(t, Seal(priv, o))
	return o
}

func TestFormatFloat(t *testing.T) {
	cases := map[float64]string{
		1:                 "1.0",
		0.1:               "0.1",
		1.5:               "1.5",
		42000:             "42000.0",
		1e16:              "1e+16",
		1e-05:             "1e-05",
		0.0001:            "0.0001",
		123456789012345.0: "123456789012345.0",
		1.5e300:           "1.5e+300",
	}
	for v, want := range cases {
		assert.Equal(t, want, FormatFloat(v), "%v", v)
	}
	var negZero float64
	negZero = -negZero
	assert.Equal(t, "-0.0", FormatFloat(negZero))
}

func TestOrderMessage(t *testing.T) {
	priv := key(t, 1)
	o := signedOrder(t, priv, 0)

	msg := string(Message(o))
	require.True(t, strings.HasPrefix(msg, signedPrefix))
	body := "v: 1\nname: buy\nbase token: BTC:1\nquote token: USD:2\namount: 1.5\nprice: 42000.0\n" +
		"t: 1700000000\nnonce: 0\npublic: " + o.Public.Hex() + "\n"
	assert.Equal(t, signedPrefix+"177"+body, msg)
	assert.Len(t, body, 177)
}

func TestRegisterMessage(t *testing.T) {
	r := &tx.Register{}
	assert.Equal(t, signedPrefix+"15Welcome to ZEX.", string(Message(r)))
	assert.Nil(t, Message(&tx.Deposit{}))
}

func TestVerifyClientTransactions(t *testing.T) {
	priv := key(t, 1)
	v := newVerifier(t, "")

	o := signedOrder(t, priv, 3)
	assert.True(t, v.Verify(o))

	w := &tx.Withdraw{
		Token:  tx.Token{Chain: tx.ChainOf("ETH"), ID: 7},
		Amount: 0.25,
		Dest:   tx.Address{0xde, 0xad},
		Time:   1700000001,
		Nonce:  4,
	}
	require.NoError(t, Seal(priv, w))
	assert.True(t, v.Verify(w))

	c := &tx.Cancel{Slice: o.Slice()}
	require.NoError(t, Seal(priv, c))
	assert.True(t, v.Verify(c))

	r := &tx.Register{}
	require.NoError(t, Seal(priv, r))
	assert.True(t, v.Verify(r))
}

func TestVerifyRejectsTampering(t *testing.T) {
	priv := key(t, 1)
	v := newVerifier(t, "")

	o := signedOrder(t, priv, 1)
	o.Amount = 2
	assert.False(t, v.Verify(o), "amount changed after signing")

	o = signedOrder(t, priv, 1)
	o.Public = PublicKeyOf(key(t, 2))
	assert.False(t, v.Verify(o), "foreign public key")

	o = signedOrder(t, priv, 1)
	o.Public[0] = 0x05
	assert.False(t, v.Verify(o), "unparsable public key")

	o = signedOrder(t, priv, 1)
	for i := 32; i < 64; i++ {
		o.Sig[i] = 0xff
	}
	assert.False(t, v.Verify(o), "s overflows the group order")
}

func TestVerifyRejectsHighS(t *testing.T) {
	priv := key(t, 1)
	o := signedOrder(t, priv, 1)
	hash := Keccak256(Message(o))
	require.True(t, VerifyECDSA(o.Public, o.Sig, hash))

	var s btcec.ModNScalar
	require.False(t, s.SetByteSlice(o.Sig[32:]))
	s.Negate()
	high := o.Sig
	sb := s.Bytes()
	copy(high[32:], sb[:])
	assert.False(t, VerifyECDSA(o.Public, high, hash))
}

func deposit(t *testing.T, monitor *btcec.PrivateKey) *tx.Deposit {
	t.Helper()
	d := &tx.Deposit{
		Chain: tx.ChainOf("BTC"),
		From:  1,
		To:    10,
		Entries: []tx.DepositEntry{
			{TokenID: 1, Amount: 2.5, Time: 1700000000, Public: PublicKeyOf(key(t, 9))},
		},
		Index: 7,
	}
	require.NoError(t, SealDeposit(monitor, d))
	return d
}

func TestVerifyDeposit(t *testing.T) {
	monitor := key(t, 42)
	d := deposit(t, monitor)

	compressed := hex.EncodeToString(monitor.PubKey().SerializeCompressed())
	xonly := hex.EncodeToString(schnorr.SerializePubKey(monitor.PubKey()))
	for _, k := range []string{compressed, xonly} {
		v := newVerifier(t, k)
		assert.True(t, v.Verify(d), k)
	}

	v := newVerifier(t, compressed)
	d.Raw[30] ^= 1
	assert.False(t, v.Verify(d))

	other := newVerifier(t, hex.EncodeToString(key(t, 43).PubKey().SerializeCompressed()))
	assert.False(t, other.Verify(deposit(t, monitor)))

	assert.False(t, newVerifier(t, "").Verify(deposit(t, monitor)), "no monitor configured")
}

func TestParseMonitorKey(t *testing.T) {
	_, err := ParseMonitorKey("zz")
	assert.Error(t, err)
	_, err = ParseMonitorKey("0102")
	assert.Error(t, err)
	_, err = New(Config{MonitorKey: "00"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestFilterPreservesOrder(t *testing.T) {
	defer leaktest.Check(t)()

	priv := key(t, 1)
	monitor := key(t, 42)
	v := newVerifier(t, hex.EncodeToString(monitor.PubKey().SerializeCompressed()))

	bad := signedOrder(t, priv, 5)
	bad.Raw[20] ^= 1

	raws := [][]byte{
		signedOrder(t, priv, 0).Raw,
		{0x01, 'x'},
		deposit(t, monitor).Raw,
		bad.Raw,
		nil,
		signedOrder(t, priv, 1).Raw,
		signedOrder(t, priv, 2).Raw,
	}
	txs, err := v.Filter(context.Background(), raws)
	require.NoError(t, err)
	require.Len(t, txs, len(raws))

	want := []bool{true, false, true, false, false, true, true}
	for i, ok := range want {
		assert.Equal(t, ok, txs[i] != nil, "position %d", i)
	}
	assert.Equal(t, uint32(1), txs[5].(*tx.Order).Nonce)

	ok, err := v.Check(context.Background(), raws)
	require.NoError(t, err)
	assert.Equal(t, want, ok)
}

func TestFilterCancelled(t *testing.T) {
	defer leaktest.Check(t)()

	v := newVerifier(t, "")
	priv := key(t, 1)
	raws := make([][]byte, 16)
	for i := range raws {
		raws[i] = signedOrder(t, priv, uint32(i)).Raw
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Filter(ctx, raws)
	assert.ErrorIs(t, err, context.Canceled)
}

func BenchmarkVerifyOrder(b *testing.B) {
	priv, _ := btcec.NewPrivateKey()
	o := &tx.Order{Side: tx.OpSell, Amount: 1, Price: 1, Nonce: 1}
	if err := Seal(priv, o); err != nil {
		b.Fatal(err)
	}
	v, _ := New(Config{Workers: 1}, zerolog.Nop())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !v.Verify(o) {
			b.Fatal("verify failed")
		}
	}
}
