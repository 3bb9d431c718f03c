package grpcserver

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"matchcore/domain/tx"
	"matchcore/service"
)

var (
	btc   = tx.Token{Chain: tx.ChainOf("BTC"), ID: 1}
	usd   = tx.Token{Chain: tx.ChainOf("USD"), ID: 2}
	alice = tx.PublicKey{0x02, 0xa}
)

// seeded returns an engine where alice has a resting buy of 1 BTC at 50.
func seeded(t *testing.T) *service.Engine {
	t.Helper()
	e := service.New(service.Options{StrictInvariants: true, Logger: zerolog.Nop()})
	dep := &tx.Deposit{
		Chain: usd.Chain,
		From:  1,
		To:    1,
		Entries: []tx.DepositEntry{
			{TokenID: usd.ID, Amount: 100, Time: 1700000000, Public: alice},
		},
		Index: 1,
	}
	dep.Raw = tx.EncodeDeposit(dep)
	o := &tx.Order{
		Side: tx.OpBuy, Base: btc, Quote: usd,
		Amount: 1, Price: 50,
		Time: 1700000060, Public: alice, Index: 2,
	}
	o.Raw = tx.EncodeOrder(o)

	rep := e.Apply(2, []tx.Tx{dep, o})
	require.Equal(t, []service.Status{service.StatusOK, service.StatusOK}, rep.Statuses)
	return e
}

func dial(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.LogUnary))
	s.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, method string, args map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(args)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), FullMethod(method), in, out)
	return out, err
}

func TestHealthFollowsRecovery(t *testing.T) {
	s := NewServer(seeded(t), zerolog.Nop())
	conn := dial(t, s)
	hc := healthpb.NewHealthClient(conn)

	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = call(t, conn, "Status", nil)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	s.SetServing()
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	s.Shutdown()
	resp, err = hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestQueries(t *testing.T) {
	s := NewServer(seeded(t), zerolog.Nop())
	s.SetServing()
	conn := dial(t, s)

	out, err := call(t, conn, "Status", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"last_index": 2.0,
		"has_index":  true,
		"markets":    []interface{}{"BTC:1-USD:2"},
		"accounts":   1.0,
	}, out.AsMap())

	out, err = call(t, conn, "Depth", map[string]interface{}{"pair": "btc:1-USD:2", "limit": 5})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[]interface{}{50.0, 1.0}}, out.AsMap()["bids"])
	assert.Empty(t, out.AsMap()["asks"])
	assert.Equal(t, 50.0, out.AsMap()["best_bid"])
	assert.NotContains(t, out.AsMap(), "best_ask")

	out, err = call(t, conn, "Balance", map[string]interface{}{"public": alice.Hex(), "token": "USD:2"})
	require.NoError(t, err)
	assert.Equal(t, 50.0, out.AsMap()["balance"], "the rest is held by the order")

	out, err = call(t, conn, "Account", map[string]interface{}{"public": alice.Hex()})
	require.NoError(t, err)
	assert.Equal(t, true, out.AsMap()["registered"])
	assert.Equal(t, 1.0, out.AsMap()["nonce"])

	out, err = call(t, conn, "Withdrawals", map[string]interface{}{"public": alice.Hex(), "chain": "usd"})
	require.NoError(t, err)
	assert.Empty(t, out.AsMap()["withdrawals"])

	out, err = call(t, conn, "Candles", map[string]interface{}{"pair": "BTC:1-USD:2"})
	require.NoError(t, err)
	assert.Empty(t, out.AsMap()["candles"], "nothing traded yet")
}

func TestQueryArguments(t *testing.T) {
	s := NewServer(seeded(t), zerolog.Nop())
	s.SetServing()
	conn := dial(t, s)

	cases := map[string]map[string]interface{}{
		"Depth":       {"pair": "BTC:1"},
		"Balance":     {"public": "zz", "token": "USD:2"},
		"Withdrawals": {"public": alice.Hex(), "chain": "ETHX"},
	}
	for method, args := range cases {
		t.Run(method, func(t *testing.T) {
			_, err := call(t, conn, method, args)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}
