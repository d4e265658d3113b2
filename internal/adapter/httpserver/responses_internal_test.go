package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ixfleet/orchestrator/internal/domain"
)

type respErr struct {
	Detail string `json:"detail"`
	Error  struct {
		Type string `json:"type"`
	} `json:"error"`
}

func Test_writeError_Mapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"invalid", domain.ErrInvalidArgument, http.StatusUnprocessableEntity, "service_error"},
		{"notfound", domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"conflict", domain.ErrConflict, http.StatusUnprocessableEntity, "service_error"},
		{"no_available_profile", domain.ErrNoAvailableProfile, http.StatusUnprocessableEntity, "service_error"},
		{"watermark_disabled", domain.ErrWatermarkDisabled, http.StatusUnprocessableEntity, "service_error"},
		{"token_auth", domain.ErrTokenAuthFailure, http.StatusUnauthorized, "token_auth_failure"},
		{"cf_challenge", domain.ErrCFChallenge, http.StatusBadGateway, "cf_challenge"},
		{"api", domain.ErrAPI, http.StatusBadGateway, "api_error"},
		{"connection", domain.ErrConnection, http.StatusBadGateway, "connection_error"},
		{"overload", domain.ErrOverload, http.StatusServiceUnavailable, "overload"},
		{"cancellation", domain.ErrCancellation, http.StatusConflict, "cancellation"},
		{"internal", assertError("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			rw := httptest.NewRecorder()
			writeError(rw, r, c.err, nil)
			res := rw.Result()
			if res.StatusCode != c.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, c.wantStatus)
			}
			var e respErr
			_ = json.NewDecoder(res.Body).Decode(&e)
			_ = res.Body.Close()
			if e.Error.Type != c.wantType {
				t.Fatalf("type: got %s want %s", e.Error.Type, c.wantType)
			}
			if e.Detail == "" {
				t.Fatalf("expected non-empty detail")
			}
		})
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }
