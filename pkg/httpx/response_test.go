package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondJSON(rec, http.StatusCreated, map[string]string{"handle": "abc"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"handle":"abc"}`, rec.Body.String())
}

func TestRespondJSON_NoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondJSON(rec, http.StatusNoContent, nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, errors.New("unknown device handle: x"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Not Found", resp.Error)
	assert.Equal(t, "unknown device handle: x", resp.Message)
}

func TestDecodeJSON(t *testing.T) {
	var body struct {
		Kind string `json:"kind"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"gps"}`))
	require.NoError(t, DecodeJSON(req, &body))
	assert.Equal(t, "gps", body.Kind)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"gps","extra":1}`))
	assert.Error(t, DecodeJSON(req, &body))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
	assert.Error(t, DecodeJSON(req, &body))
}
