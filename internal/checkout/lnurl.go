package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// defaultPayableValidity bounds how long a fetched bolt11 is trusted before
// regeneration. LNURL services rarely advertise the invoice expiry in the
// callback response, so a conservative window is assumed.
const defaultPayableValidity = 10 * time.Minute

var ErrBadLightningAddr = errors.New("checkout: malformed lightning address")

// LNURLRequester resolves lightning addresses (name@domain) to bolt11
// payables via the LNURL-pay protocol.
type LNURLRequester struct {
	httpClient *http.Client
	logger     *zap.Logger
	validity   time.Duration
	scheme     string
}

func NewLNURLRequester(logger *zap.Logger) *LNURLRequester {
	return &LNURLRequester{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		validity:   defaultPayableValidity,
		scheme:     "https",
	}
}

type lnurlPayParams struct {
	Tag         string `json:"tag"`
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
}

type lnurlInvoice struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (r *LNURLRequester) RequestInvoice(ctx context.Context, lightningAddr string, amountSats int64) (string, time.Time, error) {
	name, host, ok := strings.Cut(lightningAddr, "@")
	if !ok || name == "" || host == "" {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrBadLightningAddr, lightningAddr)
	}

	params, err := r.fetchParams(ctx, host, name)
	if err != nil {
		return "", time.Time{}, err
	}

	msats := amountSats * 1000
	if msats < params.MinSendable || (params.MaxSendable > 0 && msats > params.MaxSendable) {
		return "", time.Time{}, fmt.Errorf("checkout: amount %d msat outside sendable range [%d, %d] for %s",
			msats, params.MinSendable, params.MaxSendable, lightningAddr)
	}

	bolt11, err := r.fetchPayable(ctx, params.Callback, msats)
	if err != nil {
		return "", time.Time{}, err
	}
	r.logger.Debug("payable fetched",
		zap.String("lightning_addr", lightningAddr),
		zap.Int64("amount_sats", amountSats))
	return bolt11, time.Now().Add(r.validity), nil
}

func (r *LNURLRequester) fetchParams(ctx context.Context, host, name string) (*lnurlPayParams, error) {
	endpoint := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", r.scheme, host, url.PathEscape(name))
	var params lnurlPayParams
	if err := r.getJSON(ctx, endpoint, &params); err != nil {
		return nil, err
	}
	if params.Tag != "payRequest" || params.Callback == "" {
		return nil, fmt.Errorf("checkout: %s is not an LNURL-pay endpoint", endpoint)
	}
	return &params, nil
}

func (r *LNURLRequester) fetchPayable(ctx context.Context, callback string, msats int64) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("checkout: bad LNURL callback: %w", err)
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", msats))
	u.RawQuery = q.Encode()

	var inv lnurlInvoice
	if err := r.getJSON(ctx, u.String(), &inv); err != nil {
		return "", err
	}
	if inv.Status == "ERROR" {
		return "", fmt.Errorf("checkout: LNURL service refused: %s", inv.Reason)
	}
	if inv.PR == "" {
		return "", errors.New("checkout: LNURL service returned no payable")
	}
	return inv.PR, nil
}

func (r *LNURLRequester) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checkout: LNURL request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("checkout: LNURL endpoint %s returned %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("checkout: bad LNURL response: %w", err)
	}
	return nil
}
