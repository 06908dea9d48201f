package usecase

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/flowtrade/order-engine/internal/domain"
)

// OrderService serves order reads for the polling endpoint and stream
// backfill.
type OrderService struct {
	Repo domain.OrderRepository
}

// NewOrderService constructs an OrderService.
func NewOrderService(repo domain.OrderRepository) OrderService {
	return OrderService{Repo: repo}
}

// Get loads one order with its log history.
func (s OrderService) Get(ctx domain.Context, id string) (domain.Order, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "usecase.GetOrder")
	defer span.End()

	if id == "" {
		return domain.Order{}, fmt.Errorf("op=order.get: %w", domain.ErrInvalidArgument)
	}
	o, err := s.Repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}
