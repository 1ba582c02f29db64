package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/backend/internal/errs"
)

func TestError_StatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{errs.ErrInvalid, http.StatusBadRequest, errs.CodeInvalid},
		{errs.ErrForbidden, http.StatusForbidden, errs.CodeForbidden},
		{errs.ErrBlocked, http.StatusForbidden, errs.CodeBlocked},
		{fmt.Errorf("load: %w", errs.ErrNotFound), http.StatusNotFound, errs.CodeNotFound},
		{errs.ErrNotLive, http.StatusConflict, errs.CodeNotLive},
		{errs.ErrTimeout, http.StatusGatewayTimeout, errs.CodeTimeout},
		{errors.New("boom"), http.StatusInternalServerError, errs.CodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, tc.err)

		assert.Equal(t, tc.status, w.Code, tc.code)
		var body Body
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, tc.code, body.Code)
	}
}

func TestError_ThrottleSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Error(c, errs.Throttled(errs.ErrSlowMode, 1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestError_InternalHidesDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Error(c, errors.New("pq: connection refused"))

	var body Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
}
