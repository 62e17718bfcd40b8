package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type viewFunc func(r *http.Request, p map[string]string) (any, error)

// registerViews binds every read route to the gateway mux. Engine views
// accept ?now= (unix seconds) to price at a given time; zero or absent
// means the last command timestamp. Staking ids contain a slash ("lp/main")
// and travel as ?staking=, defaulting to the LM staking.
func (s *Server) registerViews(mux *runtime.ServeMux) error {
	q := s.deps.Query
	routes := []struct {
		method  string
		pattern string
		fn      viewFunc
	}{
		{"GET", "/v1/pools/{pool}", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetPool(p["pool"], nowParam(r))
		}},
		{"GET", "/v1/pools/{pool}/aum", func(r *http.Request, p map[string]string) (any, error) {
			mode, err := state.ParseAUMMode(r.URL.Query().Get("mode"))
			if err != nil {
				return nil, err
			}
			aum, err := q.GetAUM(p["pool"], mode, nowParam(r))
			if err != nil {
				return nil, err
			}
			return map[string]any{"pool": p["pool"], "mode": mode.String(), "aum_usd": aum}, nil
		}},
		{"GET", "/v1/pools/{pool}/lp_price", func(r *http.Request, p map[string]string) (any, error) {
			price, err := q.GetLPTokenPrice(p["pool"], nowParam(r))
			if err != nil {
				return nil, err
			}
			return map[string]any{"pool": p["pool"], "lp_price_usd": price}, nil
		}},
		{"GET", "/v1/pools/{pool}/custodies/{mint}", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetCustody(p["pool"], p["mint"], nowParam(r))
		}},
		{"POST", "/v1/quotes/entry", func(r *http.Request, _ map[string]string) (any, error) {
			var req event.OpenPosition
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, fmt.Errorf("%w: %v", state.ErrInvalidArgument, err)
			}
			return q.GetEntryPriceAndFee(req, nowParam(r))
		}},
		{"GET", "/v1/positions/{owner}/{pool}/{mint}/{side}/exit", func(r *http.Request, p map[string]string) (any, error) {
			ref, err := positionRef(p)
			if err != nil {
				return nil, err
			}
			return q.GetExitPriceAndFee(ref, nowParam(r))
		}},
		{"GET", "/v1/positions/{owner}/{pool}/{mint}/{side}/liquidation", func(r *http.Request, p map[string]string) (any, error) {
			ref, err := positionRef(p)
			if err != nil {
				return nil, err
			}
			price, err := q.GetLiquidationPrice(ref, nowParam(r))
			if err != nil {
				return nil, err
			}
			return map[string]any{"liquidation_price": price}, nil
		}},
		{"GET", "/v1/users/{owner}/positions", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetPositions(p["owner"], nowParam(r))
		}},
		{"GET", "/v1/users/{owner}/balances/{mint}", func(_ *http.Request, p map[string]string) (any, error) {
			return q.GetBalance(p["owner"], p["mint"])
		}},
		{"GET", "/v1/users/{owner}/stakes", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetUserStaking(p["owner"], stakingParam(r))
		}},
		{"GET", "/v1/stakings", func(r *http.Request, _ map[string]string) (any, error) {
			return q.GetStaking(stakingParam(r))
		}},
		{"GET", "/v1/cortex", func(r *http.Request, _ map[string]string) (any, error) {
			return q.GetCortex(nowParam(r))
		}},

		// history from the read model
		{"GET", "/v1/users/{owner}/position_history", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetPositionHistory(r.Context(), p["owner"], limitParam(r), beforeParam(r))
		}},
		{"GET", "/v1/users/{owner}/journals", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetJournalHistory(r.Context(), p["owner"], limitParam(r), beforeParam(r))
		}},
		{"GET", "/v1/users/{owner}/projected_balances", func(r *http.Request, p map[string]string) (any, error) {
			return q.GetProjectedBalances(r.Context(), p["owner"])
		}},
		{"GET", "/v1/stakings/rounds", func(r *http.Request, _ map[string]string) (any, error) {
			return q.GetResolvedRounds(r.Context(), stakingParam(r), limitParam(r))
		}},

		// admin
		{"GET", "/v1/admin/integrity", func(r *http.Request, _ map[string]string) (any, error) {
			return q.VerifyIntegrity(r.Context())
		}},
		{"GET", "/v1/admin/watermark", func(r *http.Request, _ map[string]string) (any, error) {
			seq, err := q.Watermark(r.Context())
			if err != nil {
				return nil, err
			}
			return map[string]int64{"last_sequence": seq}, nil
		}},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.view(rt.pattern, rt.fn)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (s *Server) view(route string, fn viewFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		resp, err := fn(r, p)
		if err != nil {
			s.fail(w, route, start, err)
			return
		}
		s.observe(route, start)
		writeJSON(w, http.StatusOK, resp)
	}
}

func positionRef(p map[string]string) (event.PositionRef, error) {
	side, err := state.ParseSide(p["side"])
	if err != nil {
		return event.PositionRef{}, err
	}
	return event.PositionRef{Owner: p["owner"], Pool: p["pool"], Mint: p["mint"], Side: side}, nil
}

func stakingParam(r *http.Request) string {
	if id := r.URL.Query().Get("staking"); id != "" {
		return id
	}
	return state.LMStakingID
}

func nowParam(r *http.Request) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get("now"), 10, 64)
	return v
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func beforeParam(r *http.Request) *int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
