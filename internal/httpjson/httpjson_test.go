package httpjson

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/casegraph/task"
)

func TestDoClassifiesStatus(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			err := Do(context.Background(), srv.Client(), "svc", http.MethodGet, srv.URL, nil, nil, nil)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, task.IsPermanent(err))

			var serr *StatusError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tt.code, serr.Code)
			assert.Equal(t, "nope", serr.Body)
		})
	}
}

func TestDoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":"hi"}`))
	}))
	defer srv.Close()

	var out struct {
		Echo string `json:"echo"`
	}
	err := Do(context.Background(), srv.Client(), "svc", http.MethodPost, srv.URL, Bearer("secret"), map[string]string{"say": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Echo)
	assert.Nil(t, Bearer(""))
}
