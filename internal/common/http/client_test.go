// internal/common/http/client_test.go
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSON(t *testing.T) {
	c := NewClient(2 * time.Second)
	httpmock.ActivateNonDefault(c.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, "https://push.example.test/send",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "hello", body["title"])
			return httpmock.NewStringResponse(http.StatusOK, `{"name":"msg/1"}`), nil
		})

	status, body, err := c.PostJSON(context.Background(), "https://push.example.test/send",
		map[string]string{"Authorization": "Bearer abc"},
		map[string]string{"title": "hello"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"name":"msg/1"}`, string(body))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestPostJSON_TransportError(t *testing.T) {
	c := NewClient(time.Second)
	httpmock.ActivateNonDefault(c.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, "https://push.example.test/send",
		httpmock.NewErrorResponder(assert.AnError))

	_, _, err := c.PostJSON(context.Background(), "https://push.example.test/send", nil, map[string]string{})
	assert.Error(t, err)
}
