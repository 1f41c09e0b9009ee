package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qrguard/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T, ready bool, inferenceBody string) *gin.Engine {
	t.Helper()
	srv, _ := inferenceServer(t, jsonHandler(200, inferenceBody))
	svc := newTestService(t, srv.URL, readyStub(ready))

	r := gin.New()
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestScanHandler(t *testing.T) {
	r := setupTestRouter(t, true, `{"risk_score": 85, "detected_patterns": ["urgent_keyword"]}`)

	w := doJSON(r, http.MethodPost, "/v1/scan", `{"text": "urgent: verify KYC"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 85.0, resp["risk_score"])
	assert.Equal(t, "High", resp["risk_level"])
	assert.Equal(t, "Block", resp["recommendation"])
	assert.Equal(t, "Remote", resp["source"])
	assert.Contains(t, resp, "latency_ms")
	assert.Equal(t, []any{"urgent_keyword"}, resp["detected_patterns"])
}

func TestScanHandler_QRTextAlias(t *testing.T) {
	r := setupTestRouter(t, false, `{}`)

	w := doJSON(r, http.MethodPost, "/v1/scan", `{"qr_text": "upi://pay?pa=shop@bank"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Fallback", resp["source"])
	assert.Equal(t, "Low", resp["risk_level"])
	assert.Equal(t, "Allow", resp["recommendation"])
}

func TestScanHandler_ClientErrors(t *testing.T) {
	r := setupTestRouter(t, true, `{"risk_score": 10}`)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"not json", `not json`, http.StatusBadRequest, "invalid_request"},
		{"wrong type", `{"text": 42}`, http.StatusBadRequest, "invalid_request"},
		{"missing text", `{}`, http.StatusBadRequest, "empty_payload"},
		{"blank text", `{"text": "   "}`, http.StatusBadRequest, "empty_payload"},
		{"too long", `{"text": "` + strings.Repeat("a", DefaultMaxPayloadChars+1) + `"}`, http.StatusRequestEntityTooLarge, "payload_too_large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/scan", tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp["error"])
			assert.NotEmpty(t, resp["message"])
		})
	}
}

func TestScanHandler_BodyTooLarge(t *testing.T) {
	r := setupTestRouter(t, true, `{"risk_score": 10}`)

	var buf bytes.Buffer
	buf.WriteString(`{"text": "`)
	buf.WriteString(strings.Repeat("a", validation.MaxRequestSize))
	buf.WriteString(`"}`)

	w := doJSON(r, http.MethodPost, "/v1/scan", buf.String())
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "payload_too_large")
}

func TestScanBatchHandler(t *testing.T) {
	r := setupTestRouter(t, true, `{"risk_score": 50}`)

	w := doJSON(r, http.MethodPost, "/v1/scan/batch", `{"texts": ["first", "", "third"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []struct {
			Verdict *struct {
				RiskLevel string `json:"risk_level"`
				Source    string `json:"source"`
			} `json:"verdict"`
			Error *ItemError `json:"error"`
		} `json:"results"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	require.Len(t, resp.Results, 3)

	require.NotNil(t, resp.Results[0].Verdict)
	assert.Equal(t, "Medium", resp.Results[0].Verdict.RiskLevel)
	assert.Equal(t, "Remote", resp.Results[0].Verdict.Source)

	assert.Nil(t, resp.Results[1].Verdict)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "empty_payload", resp.Results[1].Error.Code)

	require.NotNil(t, resp.Results[2].Verdict)
}

func TestScanBatchHandler_Errors(t *testing.T) {
	r := setupTestRouter(t, true, `{"risk_score": 50}`)

	w := doJSON(r, http.MethodPost, "/v1/scan/batch", `{"texts": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "empty_batch")

	texts := make([]string, DefaultMaxBatchSize+1)
	for i := range texts {
		texts[i] = "x"
	}
	body, err := json.Marshal(map[string]any{"texts": texts})
	require.NoError(t, err)

	w = doJSON(r, http.MethodPost, "/v1/scan/batch", string(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "batch_too_large")

	w = doJSON(r, http.MethodPost, "/v1/scan/batch", `{"texts": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}
