package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var ErrWalletNotConfigured = errors.New("checkout: no wallet endpoint configured")

// RESTWalletStrategy settles payables through an LNbits-compatible wallet
// REST API. The wallet holds the funds; this strategy only submits the
// payable and relays the proof.
type RESTWalletStrategy struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewRESTWalletStrategy(endpoint, apiKey string, logger *zap.Logger) *RESTWalletStrategy {
	return &RESTWalletStrategy{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

func (s *RESTWalletStrategy) Name() string { return "rest-wallet" }

type walletPayRequest struct {
	Out    bool   `json:"out"`
	Bolt11 string `json:"bolt11"`
}

type walletPayResponse struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
	Detail      string `json:"detail"`
}

func (s *RESTWalletStrategy) Pay(ctx context.Context, bolt11 string) (string, error) {
	if s.endpoint == "" {
		return "", ErrWalletNotConfigured
	}

	body, err := json.Marshal(walletPayRequest{Out: true, Bolt11: bolt11})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.endpoint+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("checkout: wallet unreachable: %w", err)
	}
	defer resp.Body.Close()

	var payResp walletPayResponse
	if err := json.NewDecoder(resp.Body).Decode(&payResp); err != nil {
		return "", fmt.Errorf("checkout: bad wallet response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if payResp.Detail != "" {
			return "", fmt.Errorf("checkout: wallet refused payment: %s", payResp.Detail)
		}
		return "", fmt.Errorf("checkout: wallet returned %d", resp.StatusCode)
	}
	if payResp.Preimage == "" {
		return "", errors.New("checkout: wallet returned no payment proof")
	}

	s.logger.Debug("payment settled through wallet",
		zap.String("payment_hash", payResp.PaymentHash))
	return payResp.Preimage, nil
}
