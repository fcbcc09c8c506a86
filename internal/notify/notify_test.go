package notify

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connpro/orchestrator/internal/config"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/logging"
)

var note = job.Notification{Title: "Connection Pro", Message: "Processed 5/10 profiles"}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.New(&buf, "info", false))

	require.NoError(t, n.Notify(context.Background(), note))
	assert.Contains(t, buf.String(), "Processed 5/10 profiles")
}

type failing struct{ err error }

func (f failing) Notify(context.Context, job.Notification) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var buf bytes.Buffer
	m := Multi{failing{boom}, NewLogNotifier(logging.New(&buf, "info", false))}

	err := m.Notify(context.Background(), note)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "Processed")

	assert.NoError(t, Multi{}.Notify(context.Background(), note))
}

func TestEmailNotifier_Builds(t *testing.T) {
	n := NewEmailNotifier(config.SMTPConfig{
		Addr:     "smtp.example.com:587",
		Username: "bot",
		Password: "secret",
		From:     "bot@example.com",
		To:       []string{"me@example.com"},
	})

	var sent *email.Email
	var gotAddr string
	var gotAuth smtp.Auth
	n.send = func(e *email.Email, addr string, auth smtp.Auth) error {
		sent, gotAddr, gotAuth = e, addr, auth
		return nil
	}

	require.NoError(t, n.Notify(context.Background(), note))
	require.NotNil(t, sent)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, []string{"me@example.com"}, sent.To)
	assert.Equal(t, "Connection Pro", sent.Subject)
	assert.Equal(t, "Processed 5/10 profiles", string(sent.Text))
}

func TestEmailNotifier_FallsBackWithoutAuth(t *testing.T) {
	n := NewEmailNotifier(config.SMTPConfig{
		Addr:     "localhost:25",
		Username: "bot",
		From:     "bot@example.com",
		To:       []string{"me@example.com"},
	})

	var auths []smtp.Auth
	n.send = func(e *email.Email, addr string, auth smtp.Auth) error {
		auths = append(auths, auth)
		if auth != nil {
			return errors.New("smtp: server doesn't support AUTH")
		}
		return nil
	}

	require.NoError(t, n.Notify(context.Background(), note))
	require.Len(t, auths, 2)
	assert.Nil(t, auths[1])
}

func TestEmailNotifier_ReportsFailure(t *testing.T) {
	n := NewEmailNotifier(config.SMTPConfig{Addr: "localhost:25", To: []string{"me@example.com"}})
	n.send = func(*email.Email, string, smtp.Auth) error { return errors.New("connection refused") }

	assert.Error(t, n.Notify(context.Background(), note))
}

func TestEmailNotifier_HonoursContext(t *testing.T) {
	n := NewEmailNotifier(config.SMTPConfig{Addr: "localhost:25", To: []string{"me@example.com"}})
	unblock := make(chan struct{})
	defer close(unblock)
	n.send = func(*email.Email, string, smtp.Auth) error {
		<-unblock
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := n.Notify(ctx, note)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
