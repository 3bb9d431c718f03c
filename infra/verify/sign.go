package verify

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cockroachdb/errors"

	"matchcore/domain/tx"
)

// Signing helpers for clients, the feed tool and tests.

// PublicKeyOf returns the compressed public key of priv.
func PublicKeyOf(priv *btcec.PrivateKey) tx.PublicKey {
	var p tx.PublicKey
	copy(p[:], priv.PubKey().SerializeCompressed())
	return p
}

// SignECDSA signs the canonical message of t and returns R||S in low-S form.
func SignECDSA(priv *btcec.PrivateKey, t tx.Tx) (tx.Signature, error) {
	var sig tx.Signature
	msg := Message(t)
	if msg == nil {
		return sig, errors.Newf("verify: %s is not text signed", t.Op())
	}
	// [recovery:1][R:32][S:32]
	compact := ecdsa.SignCompact(priv, Keccak256(msg), true)
	copy(sig[:], compact[1:])
	return sig, nil
}

// SignDeposit produces the monitor signature over a deposit body.
func SignDeposit(priv *btcec.PrivateKey, body []byte) (tx.Signature, error) {
	var sig tx.Signature
	s, err := schnorr.Sign(priv, TaggedHash(depositTag, body))
	if err != nil {
		return sig, err
	}
	copy(sig[:], s.Serialize())
	return sig, nil
}

// Seal sets the public key and signature of a client transaction and
// re-encodes its Raw bytes.
func Seal(priv *btcec.PrivateKey, t tx.Tx) error {
	pub := PublicKeyOf(priv)
	switch v := t.(type) {
	case *tx.Order:
		v.Public = pub
		sig, err := SignECDSA(priv, v)
		if err != nil {
			return err
		}
		v.Sig = sig
		v.Raw = tx.EncodeOrder(v)
	case *tx.Withdraw:
		v.Public = pub
		sig, err := SignECDSA(priv, v)
		if err != nil {
			return err
		}
		v.Sig = sig
		v.Raw = tx.EncodeWithdraw(v)
	case *tx.Cancel:
		v.Public = pub
		sig, err := SignECDSA(priv, v)
		if err != nil {
			return err
		}
		v.Sig = sig
		v.Raw = tx.EncodeCancel(v)
	case *tx.Register:
		v.Public = pub
		sig, err := SignECDSA(priv, v)
		if err != nil {
			return err
		}
		v.Sig = sig
		v.Raw = tx.EncodeRegister(v)
	default:
		return errors.Newf("verify: cannot seal %s", t.Op())
	}
	return nil
}

// SealDeposit signs d with the monitor key and re-encodes its Raw bytes.
func SealDeposit(monitor *btcec.PrivateKey, d *tx.Deposit) error {
	sig, err := SignDeposit(monitor, tx.DepositBody(d))
	if err != nil {
		return err
	}
	d.Sig = sig
	d.Raw = tx.EncodeDeposit(d)
	return nil
}
