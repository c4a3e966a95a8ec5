// Package gateway содержит адаптеры платёжного шлюза (PG).
// Адаптер не хранит состояния между заявками и создаётся на каждого настроенного провайдера.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/version"
)

const (
	defaultHTTPTimeout = 5 * time.Second
	tokenRefreshSkew   = 30 * time.Second
	maxResponseBytes   = 1 << 20
)

// HTTPConfig описывает подключение к REST API платёжного шлюза.
type HTTPConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// HTTPGateway — клиент REST API платёжного шлюза.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
	logger *log.Entry
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewHTTPGateway создаёт адаптер. client может быть nil.
func NewHTTPGateway(cfg HTTPConfig, client *http.Client, logger *log.Entry) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if cfg.Provider == "" {
		cfg.Provider = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.New().WithField("component", "gateway")
	}

	return &HTTPGateway{
		cfg:    cfg,
		client: client,
		logger: logger.WithField("provider", cfg.Provider),
		now:    time.Now,
	}, nil
}

// envelope — общий формат ответа PG: code == 0 означает успех.
type envelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Response json.RawMessage `json:"response"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiredAt   int64  `json:"expired_at"`
}

type paymentResponse struct {
	ImpUID      string `json:"imp_uid"`
	MerchantUID string `json:"merchant_uid"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	FailReason  string `json:"fail_reason"`
}

type cancelResponse struct {
	ImpUID       string `json:"imp_uid"`
	CancelAmount int64  `json:"cancel_amount"`
	PGRefundID   string `json:"cancel_receipt_id"`
}

// Name возвращает код провайдера.
func (g *HTTPGateway) Name() string {
	return g.cfg.Provider
}

// Charge выполняет серверное списание. Результат проверяется отдельным Verify.
func (g *HTTPGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ClientReport, error) {
	body := map[string]any{
		"merchant_uid": req.MerchantUID,
		"amount":       req.Amount,
		"buyer_name":   req.BuyerName,
		"buyer_email":  req.BuyerEmail,
		"redirect_url": req.RedirectURL,
	}

	var resp paymentResponse
	code, msg, err := g.call(ctx, http.MethodPost, "/payments/charge", nil, body, &resp)
	if err != nil {
		return domain.ClientReport{}, err
	}
	if code != 0 || resp.Status != domain.PGStatusPaid {
		reason := msg
		if resp.FailReason != "" {
			reason = resp.FailReason
		}
		return domain.ClientReport{
			Success:         false,
			MerchantUID:     req.MerchantUID,
			PGTransactionID: resp.ImpUID,
			ErrorMessage:    reason,
		}, nil
	}

	return domain.ClientReport{
		Success:         true,
		MerchantUID:     resp.MerchantUID,
		PGTransactionID: resp.ImpUID,
		PaidAmount:      resp.Amount,
	}, nil
}

// Verify запрашивает транзакцию в PG по pgTransactionID.
func (g *HTTPGateway) Verify(ctx context.Context, pgTransactionID string) (domain.VerifiedResult, error) {
	if pgTransactionID == "" {
		return domain.VerifiedResult{}, fmt.Errorf("%w: empty transaction id", domain.ErrGatewayVerificationFailed)
	}

	var resp paymentResponse
	code, msg, err := g.call(ctx, http.MethodGet, "/payments/"+url.PathEscape(pgTransactionID), nil, nil, &resp)
	if err != nil {
		return domain.VerifiedResult{}, err
	}
	if code != 0 {
		return domain.VerifiedResult{}, fmt.Errorf("%w: %s", domain.ErrGatewayVerificationFailed, msg)
	}

	return domain.VerifiedResult{
		PGTransactionID: resp.ImpUID,
		Status:          resp.Status,
		Amount:          resp.Amount,
		MerchantUID:     resp.MerchantUID,
	}, nil
}

// Refund отменяет транзакцию на сумму req.Amount. checksum — остаток до отмены:
// PG отклоняет отмену, если остаток уже изменился, поэтому повтор не вернёт деньги дважды.
func (g *HTTPGateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundReceipt, error) {
	body := map[string]any{
		"imp_uid":      req.PGTransactionID,
		"merchant_uid": req.MerchantUID,
		"amount":       req.Amount,
		"reason":       req.Reason,
	}
	if req.Checksum > 0 {
		body["checksum"] = req.Checksum
	}
	var header http.Header
	if req.RefundID != "" {
		header = http.Header{}
		header.Set("Idempotency-Key", req.RefundID)
	}

	var resp cancelResponse
	code, msg, err := g.call(ctx, http.MethodPost, "/payments/cancel", header, body, &resp)
	if err != nil {
		return domain.RefundReceipt{}, err
	}
	if code != 0 {
		return domain.RefundReceipt{}, fmt.Errorf("%w: %s", domain.ErrRefundRetryable, msg)
	}
	if resp.CancelAmount != req.Amount {
		return domain.RefundReceipt{}, fmt.Errorf("%w: gateway cancelled %d instead of %d",
			domain.ErrRefundRetryable, resp.CancelAmount, req.Amount)
	}

	return domain.RefundReceipt{PGRefundID: resp.PGRefundID, Amount: resp.CancelAmount}, nil
}

func (g *HTTPGateway) call(ctx context.Context, method, path string, header http.Header, body any, out any) (int, string, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return 0, "", err
	}
	return g.do(ctx, method, path, token, header, body, out)
}

// accessToken возвращает кэшированный токен, обновляя его заранее до истечения.
func (g *HTTPGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Add(tokenRefreshSkew).Before(g.tokenExpiry) {
		return g.token, nil
	}

	var resp tokenResponse
	code, msg, err := g.do(ctx, http.MethodPost, "/users/getToken", "", nil, map[string]string{
		"imp_key":    g.cfg.APIKey,
		"imp_secret": g.cfg.APISecret,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("get gateway token: %w", err)
	}
	if code != 0 || resp.AccessToken == "" {
		return "", fmt.Errorf("get gateway token: %s", msg)
	}

	g.token = resp.AccessToken
	g.tokenExpiry = time.Unix(resp.ExpiredAt, 0)
	return g.token, nil
}

// do выполняет запрос с собственным таймаутом. Сетевые ошибки, таймауты и 5xx
// возвращаются как ErrGatewayTemporary.
func (g *HTTPGateway) do(ctx context.Context, method, path, token string, header http.Header, body any, out any) (int, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, "", fmt.Errorf("marshal gateway request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(callCtx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, "", fmt.Errorf("build gateway request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s %s: %v", domain.ErrGatewayTemporary, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "", fmt.Errorf("%w: read %s: %v", domain.ErrGatewayTemporary, path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return 0, "", fmt.Errorf("%w: %s %s: status %d", domain.ErrGatewayTemporary, method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, "", fmt.Errorf("decode gateway response (status %d): %w", resp.StatusCode, err)
	}
	if env.Code == 0 && resp.StatusCode >= http.StatusBadRequest {
		// HTTP-ошибка без бизнес-кода считаем отказом.
		env.Code = resp.StatusCode
	}
	if env.Code != 0 {
		g.logger.WithFields(log.Fields{
			"path":        path,
			"http_status": resp.StatusCode,
			"code":        env.Code,
		}).Debug("gateway returned business error")
		if len(env.Response) > 0 && string(env.Response) != "null" && out != nil {
			_ = json.Unmarshal(env.Response, out)
		}
		return env.Code, env.Message, nil
	}

	if out != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, out); err != nil {
			return 0, "", fmt.Errorf("decode gateway payload: %w", err)
		}
	}
	return 0, env.Message, nil
}

var _ domain.Gateway = (*HTTPGateway)(nil)
