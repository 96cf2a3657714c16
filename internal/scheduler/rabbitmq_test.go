package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dengbanghan/shop-backend/internal/domain/payment"
)

type mockProcessor struct {
	processErr error
	abandonErr error
	processed  []int64
	abandoned  []int64
}

func (m *mockProcessor) Process(_ context.Context, orderID int64) error {
	m.processed = append(m.processed, orderID)
	return m.processErr
}

func (m *mockProcessor) Abandon(_ context.Context, orderID int64) error {
	if m.abandonErr != nil {
		return m.abandonErr
	}
	m.abandoned = append(m.abandoned, orderID)
	return nil
}

type retryRecorder struct {
	scheduled []task
	err       error
}

func (r *retryRecorder) schedule(_ context.Context, t task) error {
	if r.err != nil {
		return r.err
	}
	r.scheduled = append(r.scheduled, t)
	return nil
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}
}

func TestHandleTask_Success(t *testing.T) {
	proc := &mockProcessor{}
	rec := &retryRecorder{}

	body := task{OrderID: 42, Attempt: 1}.encode()
	require.NoError(t, handleTask(context.Background(), proc, testPolicy(), rec.schedule, body))
	assert.Equal(t, []int64{42}, proc.processed)
	assert.Empty(t, rec.scheduled)
}

func TestHandleTask_SchedulesRetryWithNextAttempt(t *testing.T) {
	proc := &mockProcessor{processErr: payment.ErrGatewayIndeterminate}
	rec := &retryRecorder{}

	body := task{OrderID: 42, Attempt: 1}.encode()
	require.NoError(t, handleTask(context.Background(), proc, testPolicy(), rec.schedule, body))
	require.Len(t, rec.scheduled, 1)
	assert.Equal(t, task{OrderID: 42, Attempt: 2}, rec.scheduled[0])
}

func TestHandleTask_RetryPublishFailureRequeues(t *testing.T) {
	proc := &mockProcessor{processErr: payment.ErrGatewayIndeterminate}
	rec := &retryRecorder{err: errors.New("broker gone")}

	body := task{OrderID: 42, Attempt: 1}.encode()
	err := handleTask(context.Background(), proc, testPolicy(), rec.schedule, body)
	require.Error(t, err)
	assert.Empty(t, rec.scheduled)
}

func TestHandleTask_AbandonOnExhaustion(t *testing.T) {
	proc := &mockProcessor{processErr: &payment.DeclinedError{PaymentNo: "PY1", Reason: "PAYMENT_FAILED"}}
	rec := &retryRecorder{}

	body := task{OrderID: 7, Attempt: 3}.encode()
	require.NoError(t, handleTask(context.Background(), proc, testPolicy(), rec.schedule, body))
	assert.Equal(t, []int64{7}, proc.abandoned)
	assert.Empty(t, rec.scheduled)
}

func TestHandleTask_AbandonFailureRequeues(t *testing.T) {
	proc := &mockProcessor{
		processErr: &payment.DeclinedError{PaymentNo: "PY1", Reason: "PAYMENT_FAILED"},
		abandonErr: errors.New("store down"),
	}
	rec := &retryRecorder{}

	body := task{OrderID: 7, Attempt: 3}.encode()
	err := handleTask(context.Background(), proc, testPolicy(), rec.schedule, body)
	require.Error(t, err)
	assert.Empty(t, rec.scheduled)
}

func TestHandleTask_MalformedBodyDropped(t *testing.T) {
	proc := &mockProcessor{}
	rec := &retryRecorder{}

	require.NoError(t, handleTask(context.Background(), proc, testPolicy(), rec.schedule, []byte(`{`)))
	assert.Empty(t, proc.processed)
	assert.Empty(t, rec.scheduled)
}

func TestHandleTask_TerminalSentinelDropped(t *testing.T) {
	proc := &mockProcessor{processErr: payment.ErrAlreadyPaid}
	rec := &retryRecorder{}

	body := task{OrderID: 9, Attempt: 1}.encode()
	require.NoError(t, handleTask(context.Background(), proc, testPolicy(), rec.schedule, body))
	assert.Empty(t, rec.scheduled)
	assert.Empty(t, proc.abandoned)
}
