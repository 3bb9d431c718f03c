package tx

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Version is the only wire version accepted by Decode.
const Version = 1

type Op byte

const (
	OpDeposit  Op = 'd'
	OpWithdraw Op = 'w'
	OpBuy      Op = 'b'
	OpSell     Op = 's'
	OpCancel   Op = 'c'
	OpRegister Op = 'r'
)

func (o Op) String() string {
	switch o {
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpBuy:
		return "buy"
	case OpSell:
		return "sell"
	case OpCancel:
		return "cancel"
	case OpRegister:
		return "register"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Fixed sizes of the wire layouts.
const (
	PubKeySize = 33
	SigSize    = 64
	IndexSize  = 8
	AddrSize   = 20
	SliceSize  = 39

	OrderSize           = 145
	WithdrawSize        = 142
	WithdrawIndexedSize = 150
	CancelSize          = 138
	RegisterSize        = 99

	DepositHeaderSize  = 23
	DepositEntrySize   = 49
	DepositTrailerSize = SigSize + IndexSize
)

type (
	PublicKey [PubKeySize]byte
	Signature [SigSize]byte
	Address   [AddrSize]byte

	// Slice identifies a resting order: bytes [1:40] of the order
	// transaction (op tag through nonce).
	Slice [SliceSize]byte
)

func (p PublicKey) Hex() string { return hex.EncodeToString(p[:]) }
func (p PublicKey) String() string { return p.Hex() }

func (p PublicKey) Less(o PublicKey) bool { return bytes.Compare(p[:], o[:]) < 0 }

func (s Slice) Hex() string { return hex.EncodeToString(s[:]) }

// Chain is the three byte chain code as it appears on the wire.
type Chain [3]byte

func (c Chain) String() string { return string(c[:]) }

// Upper returns the canonical (upper case) chain code.
func (c Chain) Upper() Chain {
	for i, b := range c {
		if b >= 'a' && b <= 'z' {
			c[i] = b - 'a' + 'A'
		}
	}
	return c
}

func ChainOf(s string) Chain {
	var c Chain
	copy(c[:], s)
	return c
}

type Token struct {
	Chain Chain
	ID    uint32
}

func (t Token) String() string { return fmt.Sprintf("%s:%d", t.Chain, t.ID) }

// Canonical returns the token with an upper case chain code. Ledger
// entries and markets are always keyed by canonical tokens.
func (t Token) Canonical() Token { return Token{Chain: t.Chain.Upper(), ID: t.ID} }

func (t Token) Less(o Token) bool {
	if c := bytes.Compare(t.Chain[:], o.Chain[:]); c != 0 {
		return c < 0
	}
	return t.ID < o.ID
}

type Pair struct {
	Base  Token
	Quote Token
}

func (p Pair) String() string { return p.Base.String() + "-" + p.Quote.String() }

func (p Pair) Less(o Pair) bool {
	if p.Base != o.Base {
		return p.Base.Less(o.Base)
	}
	return p.Quote.Less(o.Quote)
}

// Tx is one of *Order, *Withdraw, *Deposit, *Cancel, *Register.
type Tx interface {
	Op() Op
	// Bytes returns the raw transaction the value was decoded from.
	Bytes() []byte
	isTx()
}

type Order struct {
	Side   Op // OpBuy or OpSell
	Base   Token
	Quote  Token
	Amount float64
	Price  float64
	Time   uint32
	Nonce  uint32
	Public PublicKey
	Sig    Signature
	Index  uint64

	Raw []byte
}

func (o *Order) Op() Op        { return o.Side }
func (o *Order) Bytes() []byte { return o.Raw }
func (*Order) isTx()           {}

func (o *Order) IsBuy() bool { return o.Side == OpBuy }

func (o *Order) Pair() Pair {
	return Pair{Base: o.Base.Canonical(), Quote: o.Quote.Canonical()}
}

func (o *Order) Slice() Slice {
	var s Slice
	copy(s[:], o.Raw[1:1+SliceSize])
	return s
}

type Withdraw struct {
	Token    Token
	Amount   float64
	Dest     Address
	Time     uint32
	Nonce    uint32
	Public   PublicKey
	Sig      Signature
	Index    uint64
	HasIndex bool

	Raw []byte
}

func (w *Withdraw) Op() Op        { return OpWithdraw }
func (w *Withdraw) Bytes() []byte { return w.Raw }
func (*Withdraw) isTx()           {}

type DepositEntry struct {
	TokenID uint32
	Amount  float64
	Time    uint32
	Public  PublicKey
}

type Deposit struct {
	Chain   Chain
	From    uint64
	To      uint64
	Entries []DepositEntry
	Sig     Signature
	Index   uint64

	Raw []byte
}

func (d *Deposit) Op() Op        { return OpDeposit }
func (d *Deposit) Bytes() []byte { return d.Raw }
func (*Deposit) isTx()           {}

// Signed returns the portion of the deposit covered by the monitor signature.
func (d *Deposit) Signed() []byte { return d.Raw[:len(d.Raw)-DepositTrailerSize] }

type Cancel struct {
	Slice  Slice
	Public PublicKey
	Sig    Signature

	Raw []byte
}

func (c *Cancel) Op() Op        { return OpCancel }
func (c *Cancel) Bytes() []byte { return c.Raw }
func (*Cancel) isTx()           {}

// Pair decodes the market of the order being cancelled from the slice.
func (c *Cancel) Pair() Pair {
	base := readToken(c.Slice[1:8])
	quote := readToken(c.Slice[8:15])
	return Pair{Base: base.Canonical(), Quote: quote.Canonical()}
}

// IsBuy reports whether the cancelled order is a buy.
func (c *Cancel) IsBuy() bool { return Op(c.Slice[0]) == OpBuy }

type Register struct {
	Public PublicKey
	Sig    Signature

	Raw []byte
}

func (r *Register) Op() Op        { return OpRegister }
func (r *Register) Bytes() []byte { return r.Raw }
func (*Register) isTx()           {}
