package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/tx"
	"matchcore/infra/verify"
	"matchcore/service"
)

type recordingSender struct {
	batches []tx.Batch
}

func (r *recordingSender) SendBatch(_ context.Context, b tx.Batch) error {
	r.batches = append(r.batches, b)
	return nil
}

func quietCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	return cmd, &out
}

func TestFeedHexLines(t *testing.T) {
	o := &tx.Order{
		Side:   tx.OpBuy,
		Base:   tx.Token{Chain: tx.ChainOf("BTC"), ID: 1},
		Quote:  tx.Token{Chain: tx.ChainOf("USD"), ID: 2},
		Amount: 1,
		Price:  50,
	}
	line := hex.EncodeToString(tx.EncodeOrder(o))
	input := "# orders\n" + line + "\n\n0x" + line + "\n" + line + "\n"

	cmd, out := quietCmd()
	cmd.SetIn(strings.NewReader(input))
	sender := &recordingSender{}
	require.NoError(t, feed(context.Background(), cmd, sender, feedOptions{batchSize: 2, startIndex: 10}))

	require.Len(t, sender.batches, 2)
	assert.Equal(t, uint64(11), sender.batches[0].LastIndex)
	assert.Len(t, sender.batches[0].Txs, 2)
	assert.Equal(t, uint64(12), sender.batches[1].LastIndex)
	assert.Contains(t, out.String(), "published 3 transactions in 2 batches")
}

func TestFeedRejectsBadLines(t *testing.T) {
	cmd, _ := quietCmd()
	cmd.SetIn(strings.NewReader("zz\n"))
	assert.Error(t, feed(context.Background(), cmd, &recordingSender{}, feedOptions{batchSize: 1}))

	cmd.SetIn(strings.NewReader("0162\n"))
	assert.Error(t, feed(context.Background(), cmd, &recordingSender{}, feedOptions{batchSize: 1}), "decodes as a short order")
}

func TestFeedDemoApplies(t *testing.T) {
	key := make([]byte, 32)
	key[31] = 9
	monitor, _ := btcec.PrivKeyFromBytes(key)

	cmd, out := quietCmd()
	sender := &recordingSender{}
	require.NoError(t, feed(context.Background(), cmd, sender, feedOptions{
		batchSize:  64,
		demo:       true,
		monitorKey: hex.EncodeToString(key),
	}))
	require.Len(t, sender.batches, 1)
	b := sender.batches[0]
	assert.Equal(t, uint64(4), b.LastIndex)

	pub := hex.EncodeToString(monitor.PubKey().SerializeCompressed())
	assert.Contains(t, out.String(), pub)

	v, err := verify.New(verify.Config{Workers: 1, MonitorKey: pub}, zerolog.Nop())
	require.NoError(t, err)
	txs, err := v.Filter(context.Background(), b.Txs)
	require.NoError(t, err)

	e := service.New(service.Options{StrictInvariants: true, Logger: zerolog.Nop()})
	rep := e.Apply(b.LastIndex, txs)
	for i, st := range rep.Statuses {
		assert.Equal(t, service.StatusOK, st, "tx %d", i)
	}
	assert.Len(t, rep.Trades, 1)
	assert.Len(t, rep.Withdrawals, 1)

	var buf bytes.Buffer
	require.NoError(t, summarize(&buf, e.State()))
	assert.Contains(t, buf.String(), "BTC:1-USD:2")
	assert.Regexp(t, `accounts\s+2\n`, buf.String())
	assert.Regexp(t, `withdrawals\s+1\n`, buf.String())
}

func TestDemoNeedsMonitorKey(t *testing.T) {
	cmd, _ := quietCmd()
	err := feed(context.Background(), cmd, &recordingSender{}, feedOptions{batchSize: 1, demo: true})
	assert.Error(t, err)
}
