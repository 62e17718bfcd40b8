package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"

	"PerpPool/internal/ingestion"
	"PerpPool/internal/oracle"
	"PerpPool/internal/query"
	"PerpPool/internal/state"
)

// codeFor classifies an error the way the gRPC status space does; HTTP
// statuses are derived from it.
func codeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, state.ErrInvalidArgument),
		errors.Is(err, state.ErrUnsupportedToken):
		return codes.InvalidArgument
	case errors.Is(err, state.ErrCannotFoundStake),
		errors.Is(err, state.ErrInvalidPoolState),
		errors.Is(err, state.ErrInvalidCustodyState),
		errors.Is(err, state.ErrInvalidPositionState):
		return codes.NotFound
	case errors.Is(err, state.ErrInstructionNotAllowed):
		return codes.PermissionDenied
	case errors.Is(err, oracle.ErrStaleOracle),
		errors.Is(err, oracle.ErrUnknownOracle),
		errors.Is(err, query.ErrNoDatabase),
		errors.Is(err, ingestion.ErrIngestClosed):
		return codes.Unavailable
	}
	return codes.Internal
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := codeFor(err)
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Code: code.String(), Error: err.Error()})
}
