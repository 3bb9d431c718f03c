package verify

import (
	"context"
	"encoding/hex"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"matchcore/domain/tx"
	"matchcore/infra/memory"
)

type Config struct {
	// Workers bounds parallel verification; 0 means GOMAXPROCS.
	Workers int
	// MonitorKey is the hex encoded deposit monitor key, either a 33
	// byte compressed key or a 32 byte x-only key.
	MonitorKey string
}

// Verifier checks transaction signatures. It holds no mutable state
// besides a scratch buffer pool and is safe for concurrent use.
type Verifier struct {
	monitor *btcec.PublicKey
	workers int
	bufs    *memory.Pool[[]byte]
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Verifier, error) {
	v := &Verifier{
		workers: cfg.Workers,
		log:     log.With().Str("module", "verify").Logger(),
		bufs: memory.NewPool(func() *[]byte {
			b := make([]byte, 0, 512)
			return &b
		}, func(b *[]byte) { *b = (*b)[:0] }),
	}
	if v.workers <= 0 {
		v.workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MonitorKey != "" {
		key, err := ParseMonitorKey(cfg.MonitorKey)
		if err != nil {
			return nil, err
		}
		v.monitor = key
	}
	return v, nil
}

func ParseMonitorKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "monitor key")
	}
	switch len(raw) {
	case 32:
		k, err := schnorr.ParsePubKey(raw)
		return k, errors.Wrap(err, "monitor key")
	case 33:
		k, err := btcec.ParsePubKey(raw)
		return k, errors.Wrap(err, "monitor key")
	default:
		return nil, errors.Newf("monitor key: %d bytes", len(raw))
	}
}

// Verify checks a single decoded transaction.
func (v *Verifier) Verify(t tx.Tx) bool {
	switch d := t.(type) {
	case nil:
		return false
	case *tx.Deposit:
		return v.verifyDeposit(d)
	case *tx.Order:
		return v.verifySigned(t, d.Public, d.Sig)
	case *tx.Withdraw:
		return v.verifySigned(t, d.Public, d.Sig)
	case *tx.Cancel:
		return v.verifySigned(t, d.Public, d.Sig)
	case *tx.Register:
		return v.verifySigned(t, d.Public, d.Sig)
	}
	return false
}

func (v *Verifier) verifySigned(t tx.Tx, pub tx.PublicKey, sig tx.Signature) bool {
	buf := v.bufs.Get()
	defer v.bufs.Put(buf)

	body, ok := appendBody(*buf, t)
	*buf = body
	if !ok {
		return false
	}
	return VerifyECDSA(pub, sig, hashBody(body))
}

func (v *Verifier) verifyDeposit(d *tx.Deposit) bool {
	if v.monitor == nil {
		return false
	}
	sig, err := schnorr.ParseSignature(d.Sig[:])
	if err != nil {
		return false
	}
	return sig.Verify(TaggedHash(depositTag, d.Signed()), v.monitor)
}

// VerifyECDSA checks a compact R||S signature over a 32 byte hash.
// High-S signatures are rejected as malleable.
func VerifyECDSA(pub tx.PublicKey, sig tx.Signature, hash []byte) bool {
	key, err := btcec.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}
	if s.IsOverHalfOrder() {
		return false
	}
	return ecdsa.NewSignature(&r, &s).Verify(hash, key)
}

// Filter decodes and verifies a batch. result[i] is the decoded
// transaction for raws[i], or nil when it is malformed or its signature
// does not verify. Work is split into contiguous chunks, one per worker.
func (v *Verifier) Filter(ctx context.Context, raws [][]byte) ([]tx.Tx, error) {
	out := make([]tx.Tx, len(raws))
	if len(raws) == 0 {
		return out, nil
	}

	chunk := (len(raws) + v.workers - 1) / v.workers
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)

	for start := 0; start < len(raws); start += chunk {
		start, end := start, min(start+chunk, len(raws))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if raws[i] == nil {
					continue
				}
				t, err := tx.Decode(raws[i])
				if err != nil {
					v.log.Debug().Err(err).Int("pos", i).Msg("malformed transaction dropped")
					continue
				}
				if !v.Verify(t) {
					v.log.Debug().Str("op", t.Op().String()).Int("pos", i).Msg("signature rejected")
					continue
				}
				out[i] = t
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Check reports, per raw transaction, whether it decodes and verifies.
func (v *Verifier) Check(ctx context.Context, raws [][]byte) ([]bool, error) {
	txs, err := v.Filter(ctx, raws)
	if err != nil {
		return nil, err
	}
	ok := make([]bool, len(txs))
	for i, t := range txs {
		ok[i] = t != nil
	}
	return ok, nil
}
