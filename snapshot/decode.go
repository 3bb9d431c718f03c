package snapshot

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"matchcore/domain/account"
	"matchcore/domain/funding"
	"matchcore/domain/kline"
	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
)

// Decode parses a blob produced by Encode. Unknown fields are skipped
// so that older readers tolerate additive schema changes.
func Decode(blob []byte) (*State, error) {
	if !bytes.HasPrefix(blob, []byte(Magic)) {
		return nil, ErrMagic
	}
	b := blob[len(Magic):]
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, errors.Wrap(ErrCorrupt, "schema version")
	}
	if v != SchemaVersion {
		return nil, errors.Wrapf(ErrSchemaVersion, "got %d, want %d", v, SchemaVersion)
	}

	st := &State{}
	err := walk(b[n:], func(num protowire.Number, f field) error {
		switch num {
		case fIndex:
			return f.uint(&st.Index)
		case fHasIndex:
			var v uint64
			err := f.uint(&v)
			st.HasIndex = v != 0
			return err
		case fBalance:
			var e ledger.Entry
			if err := f.msg(func(b []byte) error { return decodeEntry(b, &e) }); err != nil {
				return err
			}
			st.Balances = append(st.Balances, e)
		case fMarket:
			var m orderbook.MarketState
			if err := f.msg(func(b []byte) error { return decodeMarket(b, &m) }); err != nil {
				return err
			}
			st.Markets = append(st.Markets, m)
		case fAccount:
			a := account.Account{Orders: make(map[tx.Slice]uint64)}
			if err := f.msg(func(b []byte) error { return decodeAccount(b, &a) }); err != nil {
				return err
			}
			st.Accounts = append(st.Accounts, a)
		case fLastUserID:
			return f.uint(&st.LastUserID)
		case fWithdrawal:
			var w funding.Withdrawal
			if err := f.msg(func(b []byte) error { return decodeWithdrawal(b, &w) }); err != nil {
				return err
			}
			st.Withdrawals = append(st.Withdrawals, w)
		case fWatermark:
			var m funding.Mark
			if err := f.msg(func(b []byte) error {
				return walk(b, func(num protowire.Number, f field) error {
					switch num {
					case fMarkChain:
						return f.array(m.Chain[:])
					case fMarkBlock:
						return f.uint(&m.Block)
					}
					return nil
				})
			}); err != nil {
				return err
			}
			st.Watermarks = append(st.Watermarks, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// field is one undecoded value. Accessors check the wire type.
type field struct {
	typ protowire.Type
	b   []byte
}

func (f field) uint(dst *uint64) error {
	if f.typ != protowire.VarintType {
		return errors.Wrapf(ErrCorrupt, "want varint, got type %d", f.typ)
	}
	v, n := protowire.ConsumeVarint(f.b)
	if n < 0 {
		return errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
	}
	*dst = v
	return nil
}

func (f field) uint32(dst *uint32) error {
	var v uint64
	if err := f.uint(&v); err != nil {
		return err
	}
	if v > math.MaxUint32 {
		return errors.Wrapf(ErrCorrupt, "value %d overflows uint32", v)
	}
	*dst = uint32(v)
	return nil
}

func (f field) int(dst *int64) error {
	var v uint64
	if err := f.uint(&v); err != nil {
		return err
	}
	*dst = protowire.DecodeZigZag(v)
	return nil
}

func (f field) float(dst *float64) error {
	if f.typ != protowire.Fixed64Type {
		return errors.Wrapf(ErrCorrupt, "want fixed64, got type %d", f.typ)
	}
	v, n := protowire.ConsumeFixed64(f.b)
	if n < 0 {
		return errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
	}
	*dst = math.Float64frombits(v)
	return nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, errors.Wrapf(ErrCorrupt, "want bytes, got type %d", f.typ)
	}
	v, n := protowire.ConsumeBytes(f.b)
	if n < 0 {
		return nil, errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
	}
	return v, nil
}

// array fills a fixed size array; the length must match exactly.
func (f field) array(dst []byte) error {
	v, err := f.bytes()
	if err != nil {
		return err
	}
	if len(v) != len(dst) {
		return errors.Wrapf(ErrCorrupt, "want %d bytes, got %d", len(dst), len(v))
	}
	copy(dst, v)
	return nil
}

func (f field) msg(fn func([]byte) error) error {
	v, err := f.bytes()
	if err != nil {
		return err
	}
	return fn(v)
}

// walk calls fn for each field of a message.
func walk(b []byte, fn func(protowire.Number, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrCorrupt, protowire.ParseError(n).Error())
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return errors.Wrap(ErrCorrupt, protowire.ParseError(m).Error())
		}
		if err := fn(num, field{typ: typ, b: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func decodeToken(f field, t *tx.Token) error {
	return f.msg(func(b []byte) error {
		return walk(b, func(num protowire.Number, f field) error {
			switch num {
			case fTokenChain:
				return f.array(t.Chain[:])
			case fTokenID:
				return f.uint32(&t.ID)
			}
			return nil
		})
	})
}

func decodePair(f field, p *tx.Pair) error {
	return f.msg(func(b []byte) error {
		return walk(b, func(num protowire.Number, f field) error {
			switch num {
			case fPairBase:
				return decodeToken(f, &p.Base)
			case fPairQuote:
				return decodeToken(f, &p.Quote)
			}
			return nil
		})
	})
}

func decodeEntry(b []byte, e *ledger.Entry) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case fEntryToken:
			return decodeToken(f, &e.Token)
		case fEntryAccount:
			return f.array(e.Account[:])
		case fEntryAmount:
			return f.float(&e.Amount)
		}
		return nil
	})
}

func decodeLevel(f field) (orderbook.Level, error) {
	var l orderbook.Level
	err := f.msg(func(b []byte) error {
		return walk(b, func(num protowire.Number, f field) error {
			switch num {
			case fLevelPrice:
				return f.float(&l.Price)
			case fLevelAmount:
				return f.float(&l.Amount)
			}
			return nil
		})
	})
	return l, err
}

func decodeMarket(b []byte, m *orderbook.MarketState) error {
	prevKey, prevIndex, first := 0.0, uint64(0), true
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case fMarketPair:
			return decodePair(f, &m.Pair)
		case fMarketFirstID:
			return f.uint(&m.FirstID)
		case fMarketFinalID:
			return f.uint(&m.FinalID)
		case fMarketLastUpdateID:
			return f.uint(&m.LastUpdateID)
		case fMarketOrder:
			var o orderbook.RestingOrder
			var key float64
			err := f.msg(func(b []byte) error {
				return walk(b, func(num protowire.Number, f field) error {
					switch num {
					case fOrderRaw:
						raw, err := f.bytes()
						o.Raw = append([]byte(nil), raw...)
						return err
					case fOrderRemaining:
						return f.float(&o.Remaining)
					case fOrderKey:
						return f.float(&key)
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			if len(o.Raw) != tx.OrderSize || key != sortKey(o.Raw) {
				return errors.Wrap(ErrCorrupt, "resting order key")
			}
			idx := orderIndex(o.Raw)
			if !first && (key < prevKey || (key == prevKey && idx <= prevIndex)) {
				return errors.Wrap(ErrCorrupt, "resting orders out of order")
			}
			prevKey, prevIndex, first = key, idx, false
			m.Orders = append(m.Orders, o)
		case fMarketBidDepth, fMarketAskDepth, fMarketPendingBids, fMarketPendingAsks:
			l, err := decodeLevel(f)
			if err != nil {
				return err
			}
			switch num {
			case fMarketBidDepth:
				m.BidDepth = append(m.BidDepth, l)
			case fMarketAskDepth:
				m.AskDepth = append(m.AskDepth, l)
			case fMarketPendingBids:
				m.PendingBids = append(m.PendingBids, l)
			default:
				m.PendingAsks = append(m.PendingAsks, l)
			}
		case fMarketCandle:
			var c kline.Candle
			if err := f.msg(func(b []byte) error { return decodeCandle(b, &c) }); err != nil {
				return err
			}
			m.Candles = append(m.Candles, c)
		}
		return nil
	})
}

func orderIndex(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw[137:145])
}

func decodeCandle(b []byte, c *kline.Candle) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case fCandleOpenTime:
			return f.int(&c.OpenTime)
		case fCandleCloseTime:
			return f.int(&c.CloseTime)
		case fCandleOpen:
			return f.float(&c.Open)
		case fCandleHigh:
			return f.float(&c.High)
		case fCandleLow:
			return f.float(&c.Low)
		case fCandleClose:
			return f.float(&c.Close)
		case fCandleVolume:
			return f.float(&c.Volume)
		case fCandleTrades:
			return f.uint32(&c.Trades)
		}
		return nil
	})
}

func decodeAccount(b []byte, a *account.Account) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case fAccountPublic:
			return f.array(a.Public[:])
		case fAccountUserID:
			return f.uint(&a.UserID)
		case fAccountNonce:
			return f.uint32(&a.Nonce)
		case fAccountTrade:
			var t account.Trade
			err := f.msg(func(b []byte) error {
				return walk(b, func(num protowire.Number, f field) error {
					switch num {
					case fTradeTime:
						return f.uint32(&t.Time)
					case fTradeAmount:
						return f.float(&t.Amount)
					case fTradePrice:
						return f.float(&t.Price)
					case fTradePair:
						return decodePair(f, &t.Pair)
					case fTradeSide:
						var v uint64
						err := f.uint(&v)
						t.Side = tx.Op(v)
						return err
					case fTradeIndex:
						return f.uint(&t.OrderIndex)
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			a.Trades = append(a.Trades, t)
		case fAccountDeposit:
			var d account.Deposit
			err := f.msg(func(b []byte) error {
				return walk(b, func(num protowire.Number, f field) error {
					switch num {
					case fDepositToken:
						return decodeToken(f, &d.Token)
					case fDepositAmount:
						return f.float(&d.Amount)
					case fDepositTime:
						return f.uint32(&d.Time)
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			a.Deposits = append(a.Deposits, d)
		case fAccountOrder:
			var s tx.Slice
			var idx uint64
			err := f.msg(func(b []byte) error {
				return walk(b, func(num protowire.Number, f field) error {
					switch num {
					case fOpenSlice:
						return f.array(s[:])
					case fOpenIndex:
						return f.uint(&idx)
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
			a.Orders[s] = idx
		}
		return nil
	})
}

func decodeWithdrawal(b []byte, w *funding.Withdrawal) error {
	return walk(b, func(num protowire.Number, f field) error {
		switch num {
		case fWithdrawChain:
			return f.array(w.Chain[:])
		case fWithdrawPublic:
			return f.array(w.Public[:])
		case fWithdrawNonce:
			return f.uint(&w.Nonce)
		case fWithdrawToken:
			return decodeToken(f, &w.Token)
		case fWithdrawAmount:
			return f.float(&w.Amount)
		case fWithdrawDest:
			return f.array(w.Dest[:])
		case fWithdrawTime:
			return f.uint32(&w.Time)
		}
		return nil
	})
}
