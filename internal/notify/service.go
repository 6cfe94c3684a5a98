package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/shop-payments/internal/kafka"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/redisx"
)

// Service turns payment.finalized events into customer notices.
type Service struct {
	Redis       *redis.Client
	Directory   payment.Directory
	Mailer      Mailer
	ServiceName string
	Log         *slog.Logger
}

// HandlePaymentEvent is installed as the consumer handler. Each event id is
// delivered at most once while its dedup key lives.
func (s *Service) HandlePaymentEvent(ctx context.Context, m kafkago.Message) error {
	var env payment.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return fmt.Errorf("decode envelope at offset %d: %w", m.Offset, err)
	}
	switch env.EventType {
	case payment.EventPaymentSucceeded, payment.EventPaymentFailed,
		payment.EventPaymentCancelled, payment.EventPaymentExpired:
	default:
		return nil
	}

	p, err := kafkax.UnwrapPayload[payment.PaymentFinalizedPayload](env.Payload)
	if err != nil {
		return fmt.Errorf("%s: %w", env.EventType, err)
	}
	log := s.log().With("event_id", env.EventID, "order_id", p.OrderID, "trace_id", env.TraceID)

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	fresh, err := s.Redis.SetNX(ctx, dkey, "1", redisx.TTLDedup).Result()
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !fresh {
		log.DebugContext(ctx, "duplicate event skipped")
		return nil
	}

	user, err := s.Directory.GetUser(ctx, p.UserID)
	if errors.Is(err, payment.ErrUserNotFound) || (err == nil && user.Email == "") {
		log.WarnContext(ctx, "no recipient for payment notice", "user_id", p.UserID)
		return nil
	}
	if err == nil {
		err = s.Mailer.Send(ctx, noticeFor(user, p))
	}
	if err != nil {
		// let a redelivery try again
		s.Redis.Del(context.WithoutCancel(ctx), dkey)
		return fmt.Errorf("notify %s: %w", p.OrderID, err)
	}
	log.InfoContext(ctx, "payment notice sent", "status", p.Status)
	return nil
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func noticeFor(u payment.User, p payment.PaymentFinalizedPayload) Message {
	total := payment.MajorUnits(p.TotalCents)
	if p.Status == payment.StatusSuccess {
		return Message{
			To:      u.Email,
			Subject: fmt.Sprintf("Payment received for %s", p.OrderID),
			Body:    fmt.Sprintf("Hi %s, we received %s for order %s. It will ship soon.", u.Name, total, p.OrderID),
		}
	}
	return Message{
		To:      u.Email,
		Subject: fmt.Sprintf("Payment %s for %s", p.Status, p.OrderID),
		Body:    fmt.Sprintf("Hi %s, the payment of %s for order %s was not completed (%s).", u.Name, total, p.OrderID, p.Status),
	}
}
