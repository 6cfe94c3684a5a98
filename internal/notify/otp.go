package notify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ariefcatur/shop-payments/internal/queue"
)

const (
	QueueOTP   = "otp"
	JobSendOTP = "send-otp"
)

// OTPRateLimit is the default pace of the otp pool: 10 jobs per minute.
var OTPRateLimit = queue.RateLimit{Max: 10, Per: time.Minute}

var ErrInvalidOTPJob = errors.New("invalid otp job")

type OTPJob struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Code   string `json:"code"`
}

type Submitter interface {
	Submit(ctx context.Context, name string, payload any, opts queue.Options) (string, error)
}

// RequestOTP generates a six digit code and queues its delivery.
func RequestOTP(ctx context.Context, q Submitter, userID, email string) (jobID string, err error) {
	if userID == "" || email == "" {
		return "", fmt.Errorf("%w: user_id and email are required", ErrInvalidOTPJob)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	job := OTPJob{UserID: userID, Email: email, Code: fmt.Sprintf("%06d", n.Int64())}
	return q.Submit(ctx, JobSendOTP, job, queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffFixed, Delay: 5 * time.Second},
	})
}

// OTPHandler delivers send-otp jobs.
type OTPHandler struct {
	Mailer Mailer
	Log    *slog.Logger
}

func (h *OTPHandler) Process(ctx context.Context, j *queue.Job) (any, error) {
	if j.Name != JobSendOTP {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownJobType, j.Name)
	}
	var job OTPJob
	if err := j.Decode(&job); err != nil {
		return nil, queue.Permanent(err)
	}
	if job.Email == "" || job.Code == "" {
		return nil, queue.Permanent(fmt.Errorf("%w: job %s", ErrInvalidOTPJob, j.ID))
	}
	if err := h.Mailer.Send(ctx, Message{
		To:      job.Email,
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your code is %s. It expires in 5 minutes.", job.Code),
	}); err != nil {
		return nil, fmt.Errorf("send otp: %w", err)
	}
	if h.Log != nil {
		h.Log.InfoContext(ctx, "otp delivered", "user_id", job.UserID, "job_id", j.ID)
	}
	return map[string]string{"user_id": job.UserID, "delivered_to": job.Email}, nil
}
