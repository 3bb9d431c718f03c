package grpcserver

import (
	"context"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
	"matchcore/service"
)

const ServiceName = "matchcore.v1.Query"

// QueryServer is the read-only surface over the engine. Requests and
// responses are google.protobuf.Struct values, so clients call it with
// grpc.ClientConn.Invoke and need no generated stubs.
type QueryServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Depth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Candles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Account(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Withdrawals(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server adapts Engine queries to gRPC and owns the health status.
// Both report NOT_SERVING until SetServing is called, which the node
// does once restore and replay are done.
type Server struct {
	engine *service.Engine
	health *health.Server
	ready  atomic.Bool
	log    zerolog.Logger
}

func NewServer(e *service.Engine, log zerolog.Logger) *Server {
	s := &Server{
		engine: e,
		health: health.NewServer(),
		log:    log.With().Str("module", "grpc").Logger(),
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the query service and the standard health service.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&queryDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

func (s *Server) SetServing() {
	s.ready.Store(true)
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

// Shutdown flips health to NOT_SERVING for good, so load balancers
// drain before the listener closes.
func (s *Server) Shutdown() {
	s.ready.Store(false)
	s.health.Shutdown()
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// LogUnary logs every call with its latency.
func (s *Server) LogUnary(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Info().Err(err)
	}
	ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("grpc call")
	return resp, err
}

// -------------------- Queries --------------------

func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	last, ok := s.engine.LastIndex()
	pairs := s.engine.Pairs()
	markets := make([]interface{}, len(pairs))
	for i, p := range pairs {
		markets[i] = p.String()
	}
	return respond(map[string]interface{}{
		"last_index": last,
		"has_index":  ok,
		"markets":    markets,
		"accounts":   len(s.engine.Accounts()),
	})
}

func (s *Server) Depth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	pair, err := pairArg(req)
	if err != nil {
		return nil, err
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	book := s.engine.Depth(pair, limit)
	out := map[string]interface{}{
		"last_update_id": book.LastUpdateID,
		"bids":           levels(book.Bids),
		"asks":           levels(book.Asks),
	}
	if m := s.engine.Market(pair); m != nil {
		if p, ok := m.BestBid(); ok {
			out["best_bid"] = p
		}
		if p, ok := m.BestAsk(); ok {
			out["best_ask"] = p
		}
	}
	return respond(out)
}

func (s *Server) Candles(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	pair, err := pairArg(req)
	if err != nil {
		return nil, err
	}
	candles := s.engine.Candles(pair)
	out := make([]interface{}, len(candles))
	for i, c := range candles {
		out[i] = []interface{}{c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades}
	}
	return respond(map[string]interface{}{"candles": out})
}

func (s *Server) Account(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	pub, err := publicArg(req)
	if err != nil {
		return nil, err
	}
	id, ok := s.engine.UserID(pub)
	return respond(map[string]interface{}{
		"registered": ok,
		"user_id":    id,
		"nonce":      s.engine.Nonce(pub),
	})
}

func (s *Server) Balance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	pub, err := publicArg(req)
	if err != nil {
		return nil, err
	}
	token, err := tx.ParseToken(req.GetFields()["token"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return respond(map[string]interface{}{"balance": s.engine.Balance(token, pub)})
}

func (s *Server) Withdrawals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	pub, err := publicArg(req)
	if err != nil {
		return nil, err
	}
	chain := req.GetFields()["chain"].GetStringValue()
	if len(chain) != len(tx.Chain{}) {
		return nil, status.Errorf(codes.InvalidArgument, "chain %q", chain)
	}
	ws := s.engine.Withdrawals(tx.ChainOf(chain).Upper(), pub)
	out := make([]interface{}, len(ws))
	for i, w := range ws {
		out[i] = map[string]interface{}{
			"nonce":  w.Nonce,
			"token":  w.Token.String(),
			"amount": w.Amount,
			"dest":   "0x" + hex.EncodeToString(w.Dest[:]),
			"t":      w.Time,
		}
	}
	return respond(map[string]interface{}{"withdrawals": out})
}

// -------------------- helpers --------------------

func (s *Server) check() error {
	if !s.ready.Load() {
		return status.Error(codes.Unavailable, "engine is recovering")
	}
	return nil
}

func pairArg(req *structpb.Struct) (tx.Pair, error) {
	p, err := tx.ParsePair(req.GetFields()["pair"].GetStringValue())
	if err != nil {
		return p, status.Error(codes.InvalidArgument, err.Error())
	}
	return p, nil
}

func publicArg(req *structpb.Struct) (tx.PublicKey, error) {
	p, err := tx.ParsePublicKey(req.GetFields()["public"].GetStringValue())
	if err != nil {
		return p, status.Error(codes.InvalidArgument, err.Error())
	}
	return p, nil
}

func levels(src []orderbook.Level) []interface{} {
	out := make([]interface{}, len(src))
	for i, l := range src {
		out[i] = []interface{}{l.Price, l.Amount}
	}
	return out
}

func respond(m map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
