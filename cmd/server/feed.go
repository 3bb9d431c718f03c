package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matchcore/domain/tx"
	"matchcore/infra/config"
	"matchcore/infra/kafka"
	"matchcore/infra/sequence"
	"matchcore/infra/verify"
)

type feedOptions struct {
	file       string
	batchSize  int
	startIndex uint64
	demo       bool
	monitorKey string
}

func feedCmd(v *viper.Viper) *cobra.Command {
	var opts feedOptions
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Publish transactions to the inbound topic",
		Long: `Reads hex encoded transactions, one per line, from --file or stdin and
publishes them as batches. With --demo a small signed scenario is
generated instead; its deposits are signed with --monitor-key.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TxTopic)
			defer producer.Close()
			return feed(cmd.Context(), cmd, producer, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.file, "file", "", "input file (default stdin)")
	f.IntVar(&opts.batchSize, "batch-size", 64, "transactions per batch")
	f.Uint64Var(&opts.startIndex, "start-index", 0, "arrival index of the first transaction")
	f.BoolVar(&opts.demo, "demo", false, "publish a generated scenario")
	f.StringVar(&opts.monitorKey, "monitor-key", "", "hex deposit monitor private key (demo)")
	return cmd
}

type batchSender interface {
	SendBatch(ctx context.Context, b tx.Batch) error
}

func feed(ctx context.Context, cmd *cobra.Command, out batchSender, opts feedOptions) error {
	if opts.batchSize <= 0 {
		return errors.New("batch-size must be positive")
	}
	seq := sequence.New()
	if opts.startIndex > 0 {
		seq = sequence.Resume(opts.startIndex - 1)
	}

	var raws [][]byte
	if opts.demo {
		monitor, err := privateKey(opts.monitorKey)
		if err != nil {
			return err
		}
		raws, err = demoScenario(monitor, seq)
		if err != nil {
			return err
		}
		cmd.Printf("monitor public key: %x\n", monitor.PubKey().SerializeCompressed())
	} else {
		in := cmd.InOrStdin()
		if opts.file != "" {
			f, err := os.Open(opts.file)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		var err error
		raws, err = readHexLines(in)
		if err != nil {
			return err
		}
	}

	sent := 0
	for start := 0; start < len(raws); start += opts.batchSize {
		end := min(start+opts.batchSize, len(raws))
		b := tx.Batch{Txs: raws[start:end]}
		if opts.demo {
			// demo transactions carry their own index
			b.LastIndex = lastIndex(b.Txs)
		} else {
			for range b.Txs {
				b.LastIndex = seq.Next()
			}
		}
		if err := out.SendBatch(ctx, b); err != nil {
			return errors.Wrapf(err, "send batch %d", b.LastIndex)
		}
		sent++
	}
	cmd.Printf("published %d transactions in %d batches\n", len(raws), sent)
	return nil
}

func readHexLines(r io.Reader) ([][]byte, error) {
	var raws [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(line, "0x"))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", n)
		}
		if _, err := tx.Decode(raw); err != nil {
			return nil, errors.Wrapf(err, "line %d", n)
		}
		raws = append(raws, raw)
	}
	return raws, sc.Err()
}

func lastIndex(raws [][]byte) uint64 {
	var last uint64
	for _, raw := range raws {
		t, err := tx.Decode(raw)
		if err != nil {
			continue
		}
		switch v := t.(type) {
		case *tx.Order:
			last = max(last, v.Index)
		case *tx.Deposit:
			last = max(last, v.Index)
		case *tx.Withdraw:
			last = max(last, v.Index)
		}
	}
	return last
}

func privateKey(s string) (*btcec.PrivateKey, error) {
	if s == "" {
		return nil, errors.New("monitor-key is required with --demo")
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		return nil, errors.New("monitor-key must be 32 hex bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// demoScenario funds two traders, crosses a buy with a sell and
// withdraws part of the proceeds. Trader keys are fixed so the scenario
// is reproducible.
func demoScenario(monitor *btcec.PrivateKey, seq *sequence.Sequencer) ([][]byte, error) {
	trader := func(seed byte) *btcec.PrivateKey {
		b := make([]byte, 32)
		b[0], b[31] = 0x7a, seed
		priv, _ := btcec.PrivKeyFromBytes(b)
		return priv
	}
	buyer, seller := trader(1), trader(2)
	btc := tx.Token{Chain: tx.ChainOf("BTC"), ID: 1}
	usd := tx.Token{Chain: tx.ChainOf("USD"), ID: 2}

	var raws [][]byte
	add := func(t tx.Tx, err error) error {
		if err != nil {
			return err
		}
		raws = append(raws, t.Bytes())
		return nil
	}
	deposit := func(token tx.Token, to *btcec.PrivateKey, amount float64) (tx.Tx, error) {
		d := &tx.Deposit{
			Chain: token.Chain,
			From:  1,
			To:    1,
			Entries: []tx.DepositEntry{{
				TokenID: token.ID, Amount: amount, Time: 1700000000, Public: verify.PublicKeyOf(to),
			}},
			Index: seq.Next(),
		}
		return d, verify.SealDeposit(monitor, d)
	}
	signed := func(priv *btcec.PrivateKey, t tx.Tx) (tx.Tx, error) {
		return t, verify.Seal(priv, t)
	}

	steps := []func() (tx.Tx, error){
		func() (tx.Tx, error) { return signed(buyer, &tx.Register{}) },
		func() (tx.Tx, error) { return signed(seller, &tx.Register{}) },
		func() (tx.Tx, error) { return deposit(usd, buyer, 1000) },
		func() (tx.Tx, error) { return deposit(btc, seller, 10) },
		func() (tx.Tx, error) {
			return signed(buyer, &tx.Order{
				Side: tx.OpBuy, Base: btc, Quote: usd, Amount: 2, Price: 50,
				Time: 1700000060, Nonce: 0, Index: seq.Next(),
			})
		},
		func() (tx.Tx, error) {
			return signed(seller, &tx.Order{
				Side: tx.OpSell, Base: btc, Quote: usd, Amount: 1.5, Price: 49,
				Time: 1700000061, Nonce: 0, Index: seq.Next(),
			})
		},
		func() (tx.Tx, error) {
			return signed(seller, &tx.Withdraw{
				Token: usd, Amount: 25, Dest: tx.Address{0xde, 0xad, 0xbe, 0xef},
				Time: 1700000120, Nonce: 1, Index: seq.Next(), HasIndex: true,
			})
		},
	}
	for _, step := range steps {
		if err := add(step()); err != nil {
			return nil, err
		}
	}
	return raws, nil
}
