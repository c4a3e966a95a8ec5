package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// MockProvider — код провайдера для MockGateway.
const MockProvider = "mock"

type mockTransaction struct {
	merchantUID string
	amount      int64
	status      string
	refunded    int64
}

// MockGateway — конфигурируемая in-memory заглушка PG для локальной разработки и тестов.
// По умолчанию любое списание успешно, Verify возвращает записанную транзакцию.
type MockGateway struct {
	mu sync.Mutex

	// ChargeErr/VerifyErr/RefundErr возвращаются вместо результата, если заданы.
	ChargeErr error
	VerifyErr error
	RefundErr error
	// DeclineCharge заставляет Charge сообщать об отказе.
	DeclineCharge bool
	// VerifyAmountOverride подменяет сумму в ответе Verify (расхождение с отчётом клиента).
	VerifyAmountOverride map[string]int64

	seq          int
	transactions map[string]*mockTransaction
	refunds      map[string]domain.RefundReceipt

	ChargeCalls int
	VerifyCalls int
	RefundCalls int
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		transactions:         make(map[string]*mockTransaction),
		refunds:              make(map[string]domain.RefundReceipt),
		VerifyAmountOverride: make(map[string]int64),
	}
}

// Name возвращает код провайдера.
func (m *MockGateway) Name() string {
	return MockProvider
}

// Charge регистрирует оплаченную транзакцию и возвращает отчёт.
func (m *MockGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ClientReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChargeCalls++
	if err := ctx.Err(); err != nil {
		return domain.ClientReport{}, fmt.Errorf("%w: %v", domain.ErrGatewayTemporary, err)
	}
	if m.ChargeErr != nil {
		return domain.ClientReport{}, m.ChargeErr
	}
	if m.DeclineCharge {
		return domain.ClientReport{Success: false, MerchantUID: req.MerchantUID, ErrorMessage: "card declined"}, nil
	}

	impUID := m.recordLocked(req.MerchantUID, req.Amount, domain.PGStatusPaid)
	return domain.ClientReport{
		Success:         true,
		MerchantUID:     req.MerchantUID,
		PGTransactionID: impUID,
		PaidAmount:      req.Amount,
	}, nil
}

// Register добавляет транзакцию так, как её создал бы клиентский виджет PG.
func (m *MockGateway) Register(merchantUID string, amount int64, status string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.recordLocked(merchantUID, amount, status)
}

// Verify возвращает транзакцию из памяти.
func (m *MockGateway) Verify(ctx context.Context, pgTransactionID string) (domain.VerifiedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.VerifyCalls++
	if err := ctx.Err(); err != nil {
		return domain.VerifiedResult{}, fmt.Errorf("%w: %v", domain.ErrGatewayTemporary, err)
	}
	if m.VerifyErr != nil {
		return domain.VerifiedResult{}, m.VerifyErr
	}

	tx, ok := m.transactions[pgTransactionID]
	if !ok {
		return domain.VerifiedResult{}, fmt.Errorf("%w: unknown transaction %s", domain.ErrGatewayVerificationFailed, pgTransactionID)
	}
	amount := tx.amount
	if override, ok := m.VerifyAmountOverride[pgTransactionID]; ok {
		amount = override
	}

	return domain.VerifiedResult{
		PGTransactionID: pgTransactionID,
		Status:          tx.status,
		Amount:          amount,
		MerchantUID:     tx.merchantUID,
	}, nil
}

// Refund отменяет транзакцию частично или полностью. Повтор с тем же RefundID
// возвращает прежнюю квитанцию, несовпавший Checksum отклоняется.
func (m *MockGateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundCalls++
	if err := ctx.Err(); err != nil {
		return domain.RefundReceipt{}, fmt.Errorf("%w: %v", domain.ErrGatewayTemporary, err)
	}
	if m.RefundErr != nil {
		return domain.RefundReceipt{}, m.RefundErr
	}

	if receipt, ok := m.refunds[req.RefundID]; ok && req.RefundID != "" {
		return receipt, nil
	}
	tx, ok := m.transactions[req.PGTransactionID]
	if !ok {
		return domain.RefundReceipt{}, fmt.Errorf("%w: unknown transaction %s", domain.ErrRefundRetryable, req.PGTransactionID)
	}
	if req.Checksum > 0 && req.Checksum != tx.amount-tx.refunded {
		return domain.RefundReceipt{}, fmt.Errorf("%w: checksum %d, cancellable %d",
			domain.ErrRefundRetryable, req.Checksum, tx.amount-tx.refunded)
	}
	if tx.refunded+req.Amount > tx.amount {
		return domain.RefundReceipt{}, fmt.Errorf("%w: gateway balance exceeded", domain.ErrRefundRetryable)
	}
	tx.refunded += req.Amount
	if tx.refunded == tx.amount {
		tx.status = "cancelled"
	}

	receipt := domain.RefundReceipt{
		PGRefundID: fmt.Sprintf("%s_rf_%d", req.PGTransactionID, m.RefundCalls),
		Amount:     req.Amount,
	}
	if req.RefundID != "" {
		m.refunds[req.RefundID] = receipt
	}
	return receipt, nil
}

func (m *MockGateway) recordLocked(merchantUID string, amount int64, status string) string {
	m.seq++
	impUID := fmt.Sprintf("imp_%06d", m.seq)
	m.transactions[impUID] = &mockTransaction{
		merchantUID: merchantUID,
		amount:      amount,
		status:      status,
	}
	return impUID
}

// Calls возвращает счётчики вызовов (charge, verify, refund).
func (m *MockGateway) Calls() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ChargeCalls, m.VerifyCalls, m.RefundCalls
}

// SetVerifyAmount подменяет сумму, которую вернёт Verify для транзакции.
func (m *MockGateway) SetVerifyAmount(pgTransactionID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.VerifyAmountOverride[pgTransactionID] = amount
}

var _ domain.Gateway = (*MockGateway)(nil)
