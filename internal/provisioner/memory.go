// Package provisioner создаёт ресурсы (бронь, стенд, баннер) по оплаченным заявкам.
package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// Resource — созданный ресурс.
type Resource struct {
	ID         string
	PaymentID  string
	TargetType domain.TargetType
	Quantity   int32
	Context    map[string]string
}

// InMemory — идемпотентный по PaymentID провижининг в памяти.
// Используется локально и в тестах; поля *Failures позволяют имитировать сбои.
type InMemory struct {
	mu sync.Mutex

	// FailNext — столько следующих вызовов завершатся ErrProvisionTemporary без создания ресурса.
	FailNext int
	// LoseResponses — столько следующих вызовов создадут ресурс, но вернут ErrProvisionTemporary.
	LoseResponses int
	// Err возвращается вместо результата, если задан.
	Err error

	seq       map[domain.TargetType]int
	byPayment map[string]Resource

	Calls int
}

// NewInMemory возвращает провижининг с успешным сценарием по умолчанию.
func NewInMemory() *InMemory {
	return &InMemory{
		seq:       make(map[domain.TargetType]int),
		byPayment: make(map[string]Resource),
	}
}

// Provision возвращает targetId; повторный вызов с тем же PaymentID отдаёт тот же ресурс.
func (p *InMemory) Provision(ctx context.Context, req domain.ProvisionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls++
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProvisionTemporary, err)
	}
	if req.PaymentID == "" {
		return "", fmt.Errorf("provision: payment id is required")
	}
	if !req.TargetType.Valid() {
		return "", domain.ErrTargetTypeInvalid
	}
	if p.Err != nil {
		return "", p.Err
	}
	if p.FailNext > 0 {
		p.FailNext--
		return "", fmt.Errorf("%w: injected failure for %s", domain.ErrProvisionTemporary, req.PaymentID)
	}

	res, ok := p.byPayment[req.PaymentID]
	if !ok {
		p.seq[req.TargetType]++
		res = Resource{
			ID:         fmt.Sprintf("%s-%d", req.TargetType, p.seq[req.TargetType]),
			PaymentID:  req.PaymentID,
			TargetType: req.TargetType,
			Quantity:   req.Quantity,
			Context:    req.TargetContext,
		}
		p.byPayment[req.PaymentID] = res
	}

	if p.LoseResponses > 0 {
		p.LoseResponses--
		return "", fmt.Errorf("%w: response lost for %s", domain.ErrProvisionTemporary, req.PaymentID)
	}
	return res.ID, nil
}

// Resources возвращает количество созданных ресурсов.
func (p *InMemory) Resources() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.byPayment)
}

// SetFailNext настраивает число сбоев под мьютексом (для конкурентных тестов).
func (p *InMemory) SetFailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.FailNext = n
}

var _ domain.Provisioner = (*InMemory)(nil)
