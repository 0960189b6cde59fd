package server

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"TermLedger/internal/observability"
	"TermLedger/internal/query"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/status"
)

// IdempotencyHeader carries the idempotency key of a submitted command when
// the body does not set one.
const IdempotencyHeader = "Idempotency-Key"

// History reads the persisted output log and journal.
type History interface {
	GetBalances(ctx context.Context, market, user uuid.UUID) ([]query.AccountBalance, error)
	GetJournalHistory(ctx context.Context, market, user uuid.UUID, limit int, before int64) ([]query.JournalEntry, error)
	GetOutputs(ctx context.Context, market uuid.UUID, after int64, limit int) ([]query.OutputEntry, error)
	VerifyIntegrity(ctx context.Context, market uuid.UUID) (*query.IntegrityReport, error)
}

var _ History = (*query.QueryService)(nil)

type BalancesResponse struct {
	Market   uuid.UUID              `json:"market"`
	User     uuid.UUID              `json:"user"`
	Balances []query.AccountBalance `json:"balances"`
}

type JournalResponse struct {
	Market  uuid.UUID            `json:"market"`
	User    uuid.UUID            `json:"user"`
	Entries []query.JournalEntry `json:"entries"`
}

type OutputsResponse struct {
	Market  uuid.UUID           `json:"market"`
	Outputs []query.OutputEntry `json:"outputs"`
}

type gateway struct {
	svc       *Service
	history   History
	marshaler runtime.Marshaler
	logger    zerolog.Logger
}

// NewGateway exposes the service as HTTP/JSON. Routes call the service in
// process; /healthz, /readyz and /metrics sit alongside them. History routes
// are served only when history is set.
func NewGateway(svc *Service, history History, hc *observability.HealthChecker, gatherer prometheus.Gatherer, origins []string, logger zerolog.Logger) http.Handler {
	g := &gateway{svc: svc, history: history, marshaler: &runtime.JSONBuiltin{}, logger: logger}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/markets", g.listMarkets},
		{"POST", "/v1/markets", g.createMarket},
		{"GET", "/v1/markets/{market}", g.getMarket},
		{"GET", "/v1/markets/{market}/book", g.getBook},
		{"GET", "/v1/markets/{market}/orders/{order_id}", g.getOrder},
		{"POST", "/v1/markets/{market}/orders", g.command(core.InstructionPlaceOrder)},
		{"POST", "/v1/markets/{market}/loans/{seq}/repay", g.repay},
		{"GET", "/v1/markets/{market}/users/{user}", g.getUser},
		{"GET", "/v1/markets/{market}/rollable", g.rollable},
		{"GET", "/v1/markets/{market}/dirty", g.dirtyUsers},
		{"POST", "/v1/markets/{market}/commands/{instruction}", g.submit},
	}
	if history != nil {
		routes = append(routes, []struct {
			method, pattern string
			h               runtime.HandlerFunc
		}{
			{"GET", "/v1/markets/{market}/users/{user}/balances", g.balances},
			{"GET", "/v1/markets/{market}/users/{user}/journal", g.journal},
			{"GET", "/v1/markets/{market}/outputs", g.outputs},
			{"GET", "/v1/markets/{market}/integrity", g.integrity},
		}...)
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			// patterns are static
			panic(err)
		}
	}

	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	}
	if gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)

	if len(origins) == 0 {
		return httpMux
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", IdempotencyHeader},
	})
	return c.Handler(httpMux)
}

func (g *gateway) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.svc.ListMarkets(r.Context(), &Empty{})
	g.respond(w, resp, err)
}

func (g *gateway) createMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var m ledger.Market
	if err := g.marshaler.NewDecoder(r.Body).Decode(&m); err != nil {
		g.fail(w, errs.ErrInvalidRequest.With("market: %v", err))
		return
	}
	resp, err := g.svc.CreateMarket(r.Context(), &m)
	g.respond(w, resp, err)
}

func (g *gateway) getMarket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	resp, err := g.svc.GetMarket(r.Context(), &MarketQuery{Market: market})
	g.respond(w, resp, err)
}

func (g *gateway) getBook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	depth, err := intQuery(r, "depth")
	if err != nil {
		g.fail(w, err)
		return
	}
	resp, err := g.svc.GetBook(r.Context(), &BookQuery{Market: market, Depth: int(depth)})
	g.respond(w, resp, err)
}

func (g *gateway) getOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	id, err := strconv.ParseUint(params["order_id"], 10, 64)
	if err != nil {
		g.fail(w, errs.ErrInvalidRequest.With("order_id: %v", err))
		return
	}
	resp, err := g.svc.GetOrder(r.Context(), &OrderQuery{Market: market, OrderID: id})
	g.respond(w, resp, err)
}

func (g *gateway) getUser(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	user, err := uuidParam(params, "user")
	if err != nil {
		g.fail(w, err)
		return
	}
	resp, err := g.svc.GetUser(r.Context(), &UserQuery{Market: market, User: user})
	g.respond(w, resp, err)
}

func (g *gateway) rollable(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	ts, err := intQuery(r, "timestamp")
	if err != nil {
		g.fail(w, err)
		return
	}
	resp, err := g.svc.Rollable(r.Context(), &TimeQuery{Market: market, Timestamp: ts})
	g.respond(w, resp, err)
}

func (g *gateway) dirtyUsers(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	resp, err := g.svc.DirtyUsers(r.Context(), &MarketQuery{Market: market})
	g.respond(w, resp, err)
}

func (g *gateway) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, user, err := marketUser(params)
	if err != nil {
		g.fail(w, err)
		return
	}
	balances, err := g.history.GetBalances(r.Context(), market, user)
	g.respond(w, &BalancesResponse{Market: market, User: user, Balances: balances}, err)
}

// journal pages back through a user's journals with ?limit= and ?before=.
func (g *gateway) journal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, user, err := marketUser(params)
	if err != nil {
		g.fail(w, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		g.fail(w, err)
		return
	}
	before, err := intQuery(r, "before")
	if err != nil {
		g.fail(w, err)
		return
	}
	entries, err := g.history.GetJournalHistory(r.Context(), market, user, int(limit), before)
	g.respond(w, &JournalResponse{Market: market, User: user, Entries: entries}, err)
}

// outputs pages forward through the output log with ?after= and ?limit=.
func (g *gateway) outputs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	after, err := intQuery(r, "after")
	if err != nil {
		g.fail(w, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		g.fail(w, err)
		return
	}
	outputs, err := g.history.GetOutputs(r.Context(), market, after, int(limit))
	g.respond(w, &OutputsResponse{Market: market, Outputs: outputs}, err)
}

func (g *gateway) integrity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	report, err := g.history.VerifyIntegrity(r.Context(), market)
	g.respond(w, report, err)
}

// repay applies the body as a repayment of the loan named in the path.
func (g *gateway) repay(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := uuidParam(params, "market")
	if err != nil {
		g.fail(w, err)
		return
	}
	seq, err := strconv.ParseUint(params["seq"], 10, 64)
	if err != nil {
		g.fail(w, errs.ErrInvalidRequest.With("seq: %v", err))
		return
	}
	var req core.RepayRequest
	if err := g.marshaler.NewDecoder(r.Body).Decode(&req); err != nil {
		g.fail(w, errs.ErrInvalidRequest.With("repay: %v", err))
		return
	}
	req.LoanSeq = seq
	var res core.RepayResult
	if err := g.svc.apply(r.Context(), market, core.InstructionRepay, req, r.Header.Get(IdempotencyHeader), &res); err != nil {
		g.fail(w, err)
		return
	}
	g.respond(w, &res, nil)
}

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	in := core.ParseInstruction(params["instruction"])
	if in == core.InstructionUnknown {
		g.fail(w, errs.ErrInvalidRequest.With("unknown instruction %q", params["instruction"]))
		return
	}
	g.command(in)(w, r, params)
}

// command submits the request body as the payload of instruction in.
func (g *gateway) command(in core.Instruction) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		market, err := uuidParam(params, "market")
		if err != nil {
			g.fail(w, err)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			g.fail(w, errs.ErrInvalidRequest.With("read body: %v", err))
			return
		}
		cmd := core.Command{Instruction: in, Market: market, Payload: json.RawMessage(body)}
		resp, err := g.svc.submit(r.Context(), cmd, r.Header.Get(IdempotencyHeader))
		g.respond(w, resp, err)
	}
}

func (g *gateway) respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		g.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", g.marshaler.ContentType(resp))
	if err := g.marshaler.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Warn().Err(err).Msg("write response")
	}
}

type errorBody struct {
	Code   string `json:"code"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (g *gateway) fail(w http.ResponseWriter, err error) {
	st := status.Convert(Status(err))
	body := errorBody{
		Code:   string(errs.CodeOf(err)),
		Kind:   errs.KindOf(err).String(),
		Status: st.Code().String(),
		Error:  st.Message(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	if err := g.marshaler.NewEncoder(w).Encode(body); err != nil {
		g.logger.Warn().Err(err).Msg("write error response")
	}
}

func uuidParam(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, errs.ErrInvalidRequest.With("%s: %v", name, err)
	}
	return id, nil
}

func marketUser(params map[string]string) (uuid.UUID, uuid.UUID, error) {
	market, err := uuidParam(params, "market")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	user, err := uuidParam(params, "user")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return market, user, nil
}

func intQuery(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.ErrInvalidRequest.With("%s: %v", name, err)
	}
	return n, nil
}
