package snapshot

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"matchcore/domain/account"
	"matchcore/domain/funding"
	"matchcore/domain/kline"
	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
)

// Field numbers. Never reuse a retired number.
const (
	// State
	fIndex      = 1
	fHasIndex   = 2
	fBalance    = 3
	fMarket     = 4
	fAccount    = 5
	fLastUserID = 6
	fWithdrawal = 7
	fWatermark  = 8

	// Token
	fTokenChain = 1
	fTokenID    = 2

	// Pair
	fPairBase  = 1
	fPairQuote = 2

	// ledger.Entry
	fEntryToken   = 1
	fEntryAccount = 2
	fEntryAmount  = 3

	// orderbook.MarketState
	fMarketPair         = 1
	fMarketFirstID      = 2
	fMarketFinalID      = 3
	fMarketLastUpdateID = 4
	fMarketOrder        = 5
	fMarketBidDepth     = 6
	fMarketAskDepth     = 7
	fMarketPendingBids  = 8
	fMarketPendingAsks  = 9
	fMarketCandle       = 10

	// orderbook.RestingOrder
	fOrderRaw       = 1
	fOrderRemaining = 2
	fOrderKey       = 3

	// orderbook.Level
	fLevelPrice  = 1
	fLevelAmount = 2

	// kline.Candle
	fCandleOpenTime  = 1
	fCandleCloseTime = 2
	fCandleOpen      = 3
	fCandleHigh      = 4
	fCandleLow       = 5
	fCandleClose     = 6
	fCandleVolume    = 7
	fCandleTrades    = 8

	// account.Account
	fAccountPublic  = 1
	fAccountUserID  = 2
	fAccountNonce   = 3
	fAccountTrade   = 4
	fAccountDeposit = 5
	fAccountOrder   = 6

	// account.Trade
	fTradeTime   = 1
	fTradeAmount = 2
	fTradePrice  = 3
	fTradePair   = 4
	fTradeSide   = 5
	fTradeIndex  = 6

	// account.Deposit
	fDepositToken  = 1
	fDepositAmount = 2
	fDepositTime   = 3

	// account open order
	fOpenSlice = 1
	fOpenIndex = 2

	// funding.Withdrawal
	fWithdrawChain  = 1
	fWithdrawPublic = 2
	fWithdrawNonce  = 3
	fWithdrawToken  = 4
	fWithdrawAmount = 5
	fWithdrawDest   = 6
	fWithdrawTime   = 7

	// funding.Mark
	fMarkChain = 1
	fMarkBlock = 2
)

// Encode serializes st. The output depends only on st's contents.
func Encode(st *State) []byte {
	b := make([]byte, 0, 4096)
	b = append(b, Magic...)
	b = protowire.AppendVarint(b, SchemaVersion)

	b = appendUint(b, fIndex, st.Index)
	b = appendBool(b, fHasIndex, st.HasIndex)
	for _, e := range st.Balances {
		b = appendMsg(b, fBalance, func(b []byte) []byte { return appendEntry(b, e) })
	}
	for i := range st.Markets {
		m := &st.Markets[i]
		b = appendMsg(b, fMarket, func(b []byte) []byte { return appendMarket(b, m) })
	}
	for i := range st.Accounts {
		a := &st.Accounts[i]
		b = appendMsg(b, fAccount, func(b []byte) []byte { return appendAccount(b, a) })
	}
	b = appendUint(b, fLastUserID, st.LastUserID)
	for _, w := range st.Withdrawals {
		b = appendMsg(b, fWithdrawal, func(b []byte) []byte { return appendWithdrawal(b, w) })
	}
	for _, m := range st.Watermarks {
		b = appendMsg(b, fWatermark, func(b []byte) []byte {
			b = appendBytes(b, fMarkChain, m.Chain[:])
			return appendUint(b, fMarkBlock, m.Block)
		})
	}
	return b
}

// appendMsg writes a length-delimited sub-message built by fn. Zero
// values are written too so that every element keeps its position.
func appendMsg(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, fn(nil))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

// appendFloat always writes the value so that -0 survives.
func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendToken(b []byte, num protowire.Number, t tx.Token) []byte {
	return appendMsg(b, num, func(b []byte) []byte {
		b = appendBytes(b, fTokenChain, t.Chain[:])
		return appendUint(b, fTokenID, uint64(t.ID))
	})
}

func appendPair(b []byte, num protowire.Number, p tx.Pair) []byte {
	return appendMsg(b, num, func(b []byte) []byte {
		b = appendToken(b, fPairBase, p.Base)
		return appendToken(b, fPairQuote, p.Quote)
	})
}

func appendEntry(b []byte, e ledger.Entry) []byte {
	b = appendToken(b, fEntryToken, e.Token)
	b = appendBytes(b, fEntryAccount, e.Account[:])
	return appendFloat(b, fEntryAmount, e.Amount)
}

func appendLevels(b []byte, num protowire.Number, levels []orderbook.Level) []byte {
	for _, l := range levels {
		b = appendMsg(b, num, func(b []byte) []byte {
			b = appendFloat(b, fLevelPrice, l.Price)
			return appendFloat(b, fLevelAmount, l.Amount)
		})
	}
	return b
}

// sortKey is the price of a resting order, negated for buys, so both
// sides of the book share a single ascending order.
func sortKey(raw []byte) float64 {
	if len(raw) != tx.OrderSize {
		return 0
	}
	p := math.Float64frombits(binary.BigEndian.Uint64(raw[24:32]))
	if tx.Op(raw[1]) == tx.OpBuy {
		return -p
	}
	return p
}

func appendMarket(b []byte, m *orderbook.MarketState) []byte {
	b = appendPair(b, fMarketPair, m.Pair)
	b = appendUint(b, fMarketFirstID, m.FirstID)
	b = appendUint(b, fMarketFinalID, m.FinalID)
	b = appendUint(b, fMarketLastUpdateID, m.LastUpdateID)
	for _, o := range m.Orders {
		b = appendMsg(b, fMarketOrder, func(b []byte) []byte {
			b = appendBytes(b, fOrderRaw, o.Raw)
			b = appendFloat(b, fOrderRemaining, o.Remaining)
			return appendFloat(b, fOrderKey, sortKey(o.Raw))
		})
	}
	b = appendLevels(b, fMarketBidDepth, m.BidDepth)
	b = appendLevels(b, fMarketAskDepth, m.AskDepth)
	b = appendLevels(b, fMarketPendingBids, m.PendingBids)
	b = appendLevels(b, fMarketPendingAsks, m.PendingAsks)
	for _, c := range m.Candles {
		b = appendMsg(b, fMarketCandle, func(b []byte) []byte { return appendCandle(b, c) })
	}
	return b
}

func appendCandle(b []byte, c kline.Candle) []byte {
	b = appendInt(b, fCandleOpenTime, c.OpenTime)
	b = appendInt(b, fCandleCloseTime, c.CloseTime)
	b = appendFloat(b, fCandleOpen, c.Open)
	b = appendFloat(b, fCandleHigh, c.High)
	b = appendFloat(b, fCandleLow, c.Low)
	b = appendFloat(b, fCandleClose, c.Close)
	b = appendFloat(b, fCandleVolume, c.Volume)
	return appendUint(b, fCandleTrades, uint64(c.Trades))
}

func appendAccount(b []byte, a *account.Account) []byte {
	b = appendBytes(b, fAccountPublic, a.Public[:])
	b = appendUint(b, fAccountUserID, a.UserID)
	b = appendUint(b, fAccountNonce, uint64(a.Nonce))
	for _, t := range a.Trades {
		b = appendMsg(b, fAccountTrade, func(b []byte) []byte {
			b = appendUint(b, fTradeTime, uint64(t.Time))
			b = appendFloat(b, fTradeAmount, t.Amount)
			b = appendFloat(b, fTradePrice, t.Price)
			b = appendPair(b, fTradePair, t.Pair)
			b = appendUint(b, fTradeSide, uint64(t.Side))
			return appendUint(b, fTradeIndex, t.OrderIndex)
		})
	}
	for _, d := range a.Deposits {
		b = appendMsg(b, fAccountDeposit, func(b []byte) []byte {
			b = appendToken(b, fDepositToken, d.Token)
			b = appendFloat(b, fDepositAmount, d.Amount)
			return appendUint(b, fDepositTime, uint64(d.Time))
		})
	}

	slices := make([]tx.Slice, 0, len(a.Orders))
	for s := range a.Orders {
		slices = append(slices, s)
	}
	sort.Slice(slices, func(i, j int) bool { return bytes.Compare(slices[i][:], slices[j][:]) < 0 })
	for _, s := range slices {
		idx := a.Orders[s]
		b = appendMsg(b, fAccountOrder, func(b []byte) []byte {
			b = appendBytes(b, fOpenSlice, s[:])
			return appendUint(b, fOpenIndex, idx)
		})
	}
	return b
}

func appendWithdrawal(b []byte, w funding.Withdrawal) []byte {
	b = appendBytes(b, fWithdrawChain, w.Chain[:])
	b = appendBytes(b, fWithdrawPublic, w.Public[:])
	b = appendUint(b, fWithdrawNonce, w.Nonce)
	b = appendToken(b, fWithdrawToken, w.Token)
	b = appendFloat(b, fWithdrawAmount, w.Amount)
	b = appendBytes(b, fWithdrawDest, w.Dest[:])
	return appendUint(b, fWithdrawTime, uint64(w.Time))
}
