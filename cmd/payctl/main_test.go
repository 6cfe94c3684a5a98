package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/shop-payments/internal/checkout"
	"github.com/ariefcatur/shop-payments/internal/notify"
	"github.com/ariefcatur/shop-payments/internal/queue"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobAndOTPCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Config{Name: checkout.QueuePayments})
	id, err := q.Submit(context.Background(), checkout.JobCardPayment, map[string]string{"order_id": "ORD-1"}, queue.Options{})
	require.NoError(t, err)

	out, err := run(t, "job", id)
	require.NoError(t, err)
	var j queue.Job
	require.NoError(t, json.Unmarshal([]byte(out), &j))
	assert.Equal(t, id, j.ID)
	assert.Equal(t, queue.StateWaiting, j.State)

	_, err = run(t, "job", "404")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	out, err = run(t, "otp", "u1", "sam@example.com")
	require.NoError(t, err)
	otpQ := queue.New(rdb, queue.Config{Name: notify.QueueOTP})
	otpJob, err := otpQ.Status(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, notify.JobSendOTP, otpJob.Name)

	out, err = run(t, "failed", checkout.QueuePayments, "--limit", "5")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = run(t, "reconcile")
	assert.Error(t, err)
}
