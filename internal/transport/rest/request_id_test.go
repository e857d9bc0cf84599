package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	appCtx "github.com/hirehub/view-service/internal/pkg/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = appCtx.GetRequestID(r.Context())
	}))

	serve := func(rid string) string {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if rid != "" {
			req.Header.Set(requestIDHeader, rid)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, seen, rr.Header().Get(requestIDHeader))
		return seen
	}

	t.Run("caller id is kept", func(t *testing.T) {
		assert.Equal(t, "gw-7f3a:01", serve("gw-7f3a:01"))
	})

	t.Run("missing id is generated", func(t *testing.T) {
		_, err := uuid.Parse(serve(""))
		assert.NoError(t, err)
	})

	for name, rid := range map[string]string{
		"too long":     strings.Repeat("a", maxRequestIDLen+1),
		"space":        "two words",
		"control char": "rid\x1bx",
		"non ascii":    "rïd",
	} {
		t.Run(name+" is replaced", func(t *testing.T) {
			got := serve(rid)
			assert.NotEqual(t, rid, got)
			_, err := uuid.Parse(got)
			assert.NoError(t, err)
		})
	}

	t.Run("longest accepted id", func(t *testing.T) {
		rid := strings.Repeat("r", maxRequestIDLen)
		assert.Equal(t, rid, serve(rid))
	})
}
