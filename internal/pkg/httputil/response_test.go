package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOK(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]int{"ready": 2})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ready":2}`, rec.Body.String())
}

func TestUnavailableHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	Unavailable(rec, "redis", errors.New("dial tcp 10.0.0.3:6379: refused"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"service unavailable","code":"redis"}`, rec.Body.String())
}
