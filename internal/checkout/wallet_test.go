package checkout

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRESTWalletPay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/payments", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		fmt.Fprint(w, `{"payment_hash":"abc","preimage":"deadbeef"}`)
	}))
	defer srv.Close()

	s := NewRESTWalletStrategy(srv.URL, "secret", zap.NewNop())
	proof, err := s.Pay(context.Background(), "lnbc1fake")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", proof)
}

func TestRESTWalletRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detail":"insufficient balance"}`)
	}))
	defer srv.Close()

	s := NewRESTWalletStrategy(srv.URL, "secret", zap.NewNop())
	_, err := s.Pay(context.Background(), "lnbc1fake")
	assert.ErrorContains(t, err, "insufficient balance")
}

func TestRESTWalletUnconfigured(t *testing.T) {
	s := NewRESTWalletStrategy("", "", zap.NewNop())
	_, err := s.Pay(context.Background(), "lnbc1fake")
	assert.ErrorIs(t, err, ErrWalletNotConfigured)
}
