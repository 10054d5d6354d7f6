package mail

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Username: "u", Password: "p", From: "noreply@example.com"})

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
		gotAuth smtp.Auth
	)
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, string(msg)
		return nil
	}

	err := s.Send(context.Background(), Message{
		To: "ada@example.com", FromName: "Sales", Subject: "Hi Ada", Body: "line1\nline2",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"ada@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "From: \"Sales\" <noreply@example.com>\r\n")
	assert.Contains(t, gotMsg, "Subject: Hi Ada\r\n")
	assert.Contains(t, gotMsg, "line1\r\nline2")
}

func TestSMTPSender_NoAuthWithoutUsername(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, From: "a@b.c"})
	var gotAuth smtp.Auth
	s.sendMail = func(addr string, a smtp.Auth, _ string, _ []string, _ []byte) error {
		assert.Equal(t, "localhost:2525", addr)
		gotAuth = a
		return nil
	}
	require.NoError(t, s.Send(context.Background(), Message{To: "x@y.z"}))
	assert.Nil(t, gotAuth)
}

func TestSMTPSender_Errors(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "localhost"})
	err := s.Send(context.Background(), Message{To: "x@y.z"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sender address")

	s = NewSMTPSender(SMTPConfig{Host: "localhost", From: "a@b.c"})
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay denied") }
	err = s.Send(context.Background(), Message{To: "x@y.z"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay denied")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, Message{To: "x@y.z"}), context.Canceled)
}

func TestMemorySender(t *testing.T) {
	s := &MemorySender{}
	require.NoError(t, s.Send(context.Background(), Message{To: "a@b.c", Subject: "one"}))
	require.Len(t, s.Sent(), 1)

	s.Err = errors.New("provider down")
	require.Error(t, s.Send(context.Background(), Message{To: "a@b.c"}))
	assert.Len(t, s.Sent(), 1)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, NewLogSender(nil).Send(context.Background(), Message{To: "a@b.c"}))
}
