package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odds/internal/config"
	"odds/internal/types"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "standard email", input: "alex@example.org", want: "a***@example.org"},
		{name: "single char local part", input: "a@pcic.uvic.ca", want: "a***@pcic.uvic.ca"},
		{name: "empty string", input: "", want: ""},
		{name: "no at sign", input: "invalidemail", want: "***"},
		{name: "empty local part", input: "@example.org", want: "***@example.org"},
		{name: "multiple at signs only first split", input: "user@sub@example.org", want: "u***@sub@example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactEmail(tt.input))
		})
	}
}

func TestMapSMTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{name: "service unavailable", err: &textproto.Error{Code: 421, Msg: "try later"}, want: types.ErrCodeUpstreamRateLimited},
		{name: "mailbox busy", err: &textproto.Error{Code: 450, Msg: "busy"}, want: types.ErrCodeUpstreamRateLimited},
		{name: "insufficient storage", err: fmt.Errorf("rcpt: %w", &textproto.Error{Code: 452, Msg: "full"}), want: types.ErrCodeUpstreamRateLimited},
		{name: "no such user", err: &textproto.Error{Code: 550, Msg: "no such user"}, want: types.ErrCodeValidationInvalidEmail},
		{name: "bad mailbox name", err: &textproto.Error{Code: 553, Msg: "bad address"}, want: types.ErrCodeValidationInvalidEmail},
		{name: "auth failure", err: &textproto.Error{Code: 535, Msg: "bad credentials"}, want: types.ErrCodeUpstreamEmailProvider},
		{name: "network error", err: errors.New("dial tcp: connection refused"), want: types.ErrCodeUpstreamEmailProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapSMTPError(tt.err)
			assert.True(t, types.IsCode(got, tt.want), "got %v", got)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestBuildMessage(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	raw := string(buildMessage(types.EmailMessage{
		To:          "alex@example.org",
		From:        "odds@pcic.uvic.ca",
		Subject:     "ODDS Results",
		Body:        "Downscaling outputs:\n- pr: https://x/pr.nc",
		ReferenceID: "job-1",
	}, "<id-1@smtp.example.org>", at))

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok, "no header/body separator")

	assert.Contains(t, head, "From: odds@pcic.uvic.ca\r\n")
	assert.Contains(t, head, "To: alex@example.org\r\n")
	assert.Contains(t, head, "Subject: ODDS Results\r\n")
	assert.Contains(t, head, "Date: "+at.Format(time.RFC1123Z)+"\r\n")
	assert.Contains(t, head, "Message-ID: <id-1@smtp.example.org>\r\n")
	assert.Contains(t, head, "X-ODDS-Job-ID: job-1\r\n")
	assert.Contains(t, head, `Content-Type: text/plain; charset="utf-8"`)
	assert.Equal(t, "Downscaling outputs:\r\n- pr: https://x/pr.nc", body)
}

func TestBuildMessage_EncodesNonASCIISubject(t *testing.T) {
	raw := string(buildMessage(types.EmailMessage{To: "a@b.c", From: "d@e.f", Subject: "Résultats"}, "<x@y>", time.Now()))
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.NotContains(t, raw, "X-ODDS-Job-ID")
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.org", Port: 587}, nil)
	s.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

	var gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.transmit = func(_ context.Context, from string, to []string, msg []byte) error {
		gotFrom, gotTo, gotMsg = from, to, msg
		return nil
	}

	id, err := s.Send(context.Background(), types.EmailMessage{
		To: "alex@example.org", From: "odds@pcic.uvic.ca", Subject: "ODDS Results", Body: "hi", ReferenceID: "job-1",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "<") && strings.HasSuffix(id, "@smtp.example.org>"), id)
	assert.Equal(t, "odds@pcic.uvic.ca", gotFrom)
	assert.Equal(t, []string{"alex@example.org"}, gotTo)
	assert.Contains(t, string(gotMsg), "Message-ID: "+id+"\r\n")
}

func TestSMTPSender_SendErrors(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.org", Port: 587}, nil)
	calls := 0
	s.transmit = func(context.Context, string, []string, []byte) error {
		calls++
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}

	_, err := s.Send(context.Background(), types.EmailMessage{From: "odds@pcic.uvic.ca"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidEmail))
	assert.Zero(t, calls, "no transmit without a recipient")

	_, err = s.Send(context.Background(), types.EmailMessage{To: "alex@example.org"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidEmail))

	_, err = s.Send(context.Background(), types.EmailMessage{To: "nobody@example.org", From: "odds@pcic.uvic.ca"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidEmail))
	assert.Equal(t, 1, calls)
}

func TestResultsSummary_Body(t *testing.T) {
	s := ResultsSummary{
		Downscaled: []DownscaledFile{
			{Variable: types.VarTasmax, URL: "https://t/fileServer/ODDS_outputs/tasmax.nc"},
			{Variable: types.VarTasmin, URL: "https://t/fileServer/ODDS_outputs/tasmin.nc"},
			{Variable: types.VarPrecipitation, Err: "job timed out"},
		},
		Indices: []IndexOutcome{
			{Name: "Frost Days", URL: "https://t/fileServer/ODDS_outputs/frostdays.nc"},
			{Name: "Summer Days", NoInput: true},
			{Name: "Daily Temperature Range", Err: "ServerBusy"},
		},
	}

	t.Run("both", func(t *testing.T) {
		s.Intent = types.IntentBoth
		want := "Downscaling outputs:\n" +
			"- tasmax: https://t/fileServer/ODDS_outputs/tasmax.nc\n" +
			"- tasmin: https://t/fileServer/ODDS_outputs/tasmin.nc\n" +
			"- pr: ❌ Error job timed out\n" +
			"\nCalculated Indices:\n" +
			"- Frost Days: https://t/fileServer/ODDS_outputs/frostdays.nc\n" +
			"- Summer Days: ❌ No input file\n" +
			"- Daily Temperature Range: ❌ Error ServerBusy"
		assert.Equal(t, want, s.Body())
	})

	t.Run("downscale only", func(t *testing.T) {
		s.Intent = types.IntentDownscale
		assert.NotContains(t, s.Body(), "Calculated Indices")
		assert.True(t, strings.HasPrefix(s.Body(), "Downscaling outputs:"))
	})

	t.Run("indices only", func(t *testing.T) {
		s.Intent = types.IntentIndices
		assert.NotContains(t, s.Body(), "Downscaling outputs")
		assert.True(t, strings.HasPrefix(s.Body(), "\nCalculated Indices:"))
	})
}

func TestResultsMessage(t *testing.T) {
	req := types.JobRequest{ID: "job-3", UserEmail: "alex@example.org"}
	msg := ResultsMessage("odds@pcic.uvic.ca", req, ResultsSummary{Intent: types.IntentDownscale})
	assert.Equal(t, "alex@example.org", msg.To)
	assert.Equal(t, "odds@pcic.uvic.ca", msg.From)
	assert.Equal(t, ResultsSubject, msg.Subject)
	assert.Equal(t, "job-3", msg.ReferenceID)
	assert.Equal(t, "Downscaling outputs:", msg.Body)
}

func TestNewProvider(t *testing.T) {
	assert.Nil(t, NewProvider(config.EmailConfig{Provider: "none"}, aws.Config{}, nil))
	assert.Nil(t, NewProvider(config.EmailConfig{Provider: "smtp"}, aws.Config{}, nil), "smtp without a host is disabled")

	p := NewProvider(config.EmailConfig{Provider: "smtp", SMTPHost: "smtp.example.org", SMTPPort: 465, SMTPSSL: true}, aws.Config{}, nil)
	sender, ok := p.(*SMTPSender)
	require.True(t, ok)
	assert.True(t, sender.cfg.ImplicitTLS)
	assert.Equal(t, 465, sender.cfg.Port)

	assert.NotNil(t, NewProvider(config.EmailConfig{Provider: "ses", From: "odds@pcic.uvic.ca"}, aws.Config{Region: "ca-central-1"}, nil))
}
