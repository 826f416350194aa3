package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/database"
	"github.com/smukkama/weather-monitor/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	mu        sync.Mutex
	sent      []Message
	err       error
	verifyErr error
}

func (f *fakeMailer) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) Verify(ctx context.Context) error { return f.verifyErr }

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	vals [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.vals = append(f.vals, value)
	return nil
}

func sampleAlert(email, webhook string) Alert {
	max := 35.0
	return Alert{
		Event: database.AlertEvent{
			ID: 7, Kind: database.AlertKindHigh, Value: 38.2, Limit: 35,
			TriggeredAt: time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC),
		},
		City:      database.City{ID: 1, Name: "São Paulo", Region: "SP"},
		Config:    database.AlertConfig{ID: 1, Maximum: &max, Email: email, WebhookURL: webhook},
		FeelsLike: 40.1,
		Severity:  "medium",
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestWebhook() *WebhookSender {
	w := NewWebhookSender(time.Second, 3, time.Millisecond, zerolog.Nop())
	w.sleep = noSleep
	return w
}

func TestDispatch_AllChannels(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mailer := &fakeMailer{}
	pub := &fakePublisher{}
	d := NewDispatcher(NewFormatter("pt-BR", "America/Sao_Paulo"), zerolog.Nop(),
		WithMailer(mailer), WithWebhook(newTestWebhook()), WithStream(pub))

	outcomes := d.Dispatch(context.Background(), sampleAlert("ops@example.com", srv.URL))

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, o.Success, o.Channel)
	}
	assert.True(t, AnySucceeded(outcomes))

	assert.Equal(t, database.AlertKindHigh, got.AlertType)
	assert.Equal(t, "São Paulo, SP", got.City)
	assert.Equal(t, 38.2, got.Temperature)
	assert.Equal(t, 35.0, got.Threshold)
	assert.Equal(t, "2026-01-15T17:00:00Z", got.Timestamp)
	assert.Equal(t, "medium", got.Severity)
	assert.NotEmpty(t, got.DeliveryID)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "ops@example.com", mailer.sent[0].To)
	require.Len(t, pub.keys, 1)
	assert.Equal(t, "1", pub.keys[0])
}

func TestDispatch_ChannelFailureIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mailer := &fakeMailer{err: errors.New("smtp down")}
	d := NewDispatcher(NewFormatter("en", "UTC"), zerolog.Nop(), WithMailer(mailer), WithWebhook(newTestWebhook()))

	outcomes := d.Dispatch(context.Background(), sampleAlert("ops@example.com", srv.URL))

	byChannel := map[string]Outcome{}
	for _, o := range outcomes {
		byChannel[o.Channel] = o
	}
	assert.False(t, byChannel[ChannelEmail].Success)
	assert.EqualError(t, byChannel[ChannelEmail].Err, "smtp down")
	assert.True(t, byChannel[ChannelWebhook].Success)
	assert.True(t, AnySucceeded(outcomes))
}

func TestDispatch_SkipsUnconfiguredChannels(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(NewFormatter("en", "UTC"), zerolog.Nop(), WithMailer(&fakeMailer{}), WithStream(pub))

	a := sampleAlert("", "http://unused")
	a.Test = true
	outcomes := d.Dispatch(context.Background(), a)

	assert.Empty(t, outcomes)
	assert.False(t, AnySucceeded(outcomes))
	assert.Empty(t, pub.keys)
}

func TestWebhook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var delays []time.Duration
	wh := NewWebhookSender(time.Second, 3, 100*time.Millisecond, zerolog.Nop())
	wh.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := wh.Send(context.Background(), srv.URL, Payload{AlertType: database.AlertKindHigh})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestWebhook_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := newTestWebhook().Send(context.Background(), srv.URL, Payload{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestWebhook().Send(context.Background(), srv.URL, Payload{})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_TimeoutPerAttempt(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	wh := NewWebhookSender(50*time.Millisecond, 1, time.Millisecond, zerolog.Nop())
	start := time.Now()
	err := wh.Send(context.Background(), srv.URL, Payload{})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFormatter_LocalizesNumbersAndTime(t *testing.T) {
	f := NewFormatter("pt-BR", "America/Sao_Paulo")

	assert.Equal(t, "38,2", f.Number(38.2))
	assert.Equal(t, "15/01/2026 14:00:00 -03", f.Time(time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)))

	en := NewFormatter("not a locale", "Nowhere/Invalid")
	assert.Equal(t, "38.2", en.Number(38.2))
}

func TestFormatter_Email(t *testing.T) {
	f := NewFormatter("en", "UTC")

	msg, err := f.Email(sampleAlert("ops@example.com", ""))

	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", msg.To)
	assert.Equal(t, "Temperature alert high - São Paulo", msg.Subject)
	assert.Contains(t, msg.Text, "City: São Paulo, SP")
	assert.Contains(t, msg.Text, "Current temperature: 38.2 °C")
	assert.Contains(t, msg.Text, "Feels like: 40.1 °C")
	assert.Contains(t, msg.Text, "Configured limit: 35.0 °C")
	assert.Contains(t, msg.HTML, "#fff3cd")

	a := sampleAlert("ops@example.com", "")
	a.Test = true
	a.Event.Kind = database.AlertKindLow
	msg, err = f.Email(a)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.Subject, "[TEST] Temperature alert low"))
	assert.Contains(t, msg.Text, "This is a test alert.")
}

func TestBuildMIME(t *testing.T) {
	data, err := buildMIME("noreply@example.com", Message{
		To: "ops@example.com", Subject: "Alerta São Paulo", Text: "plain", HTML: "<p>html</p>",
	})

	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "From: noreply@example.com\r\n")
	assert.Contains(t, s, "Subject: =?UTF-8?q?")
	assert.Contains(t, s, "multipart/alternative; boundary=")
	assert.Contains(t, s, "text/plain; charset=UTF-8")
	assert.Contains(t, s, "text/html; charset=UTF-8")
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	h := NewDispatcher(NewFormatter("en", "UTC"), zerolog.Nop()).HealthCheck(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.False(t, h.EmailConfigured)

	h = NewDispatcher(NewFormatter("en", "UTC"), zerolog.Nop(), WithMailer(&fakeMailer{})).HealthCheck(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.True(t, h.EmailHealthy)

	h = NewDispatcher(NewFormatter("en", "UTC"), zerolog.Nop(), WithMailer(&fakeMailer{verifyErr: errors.New("refused")})).HealthCheck(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "refused", h.Error)
}

// smtpServer is a minimal SMTP responder that records received messages.
type smtpServer struct {
	ln   net.Listener
	mu   sync.Mutex
	data []string
	rcpt []string
}

func startSMTPServer(t *testing.T) *smtpServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &smtpServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *smtpServer) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 localhost ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch cmd {
		case "EHLO", "HELO":
			tp.PrintfLine("250-localhost")
			tp.PrintfLine("250 8BITMIME")
		case "MAIL":
			tp.PrintfLine("250 OK")
		case "RCPT":
			s.mu.Lock()
			s.rcpt = append(s.rcpt, line)
			s.mu.Unlock()
			tp.PrintfLine("250 OK")
		case "DATA":
			tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			body, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = append(s.data, string(body))
			s.mu.Unlock()
			tp.PrintfLine("250 OK queued")
		case "QUIT":
			tp.PrintfLine("221 Bye")
			return
		default:
			tp.PrintfLine("502 Command not implemented")
		}
	}
}

func (s *smtpServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func TestSMTPMailer_SendAndVerify(t *testing.T) {
	srv := startSMTPServer(t)

	m := NewSMTPMailer(config.AlertsConfig{
		SMTPHost: "127.0.0.1", SMTPPort: srv.port(), SMTPUser: "user", SMTPPassword: "pass",
		EmailFrom: "noreply@example.com",
	})
	require.NotNil(t, m)

	require.NoError(t, m.Verify(context.Background()))

	err := m.Send(context.Background(), Message{To: "a@example.com, b@example.com", Subject: "hi", Text: "plain", HTML: "<b>x</b>"})
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.data, 1)
	assert.Contains(t, srv.data[0], "Subject: hi")
	assert.Len(t, srv.rcpt, 2)
}

func TestSMTPMailer_NotConfigured(t *testing.T) {
	assert.Nil(t, NewSMTPMailer(config.AlertsConfig{SMTPHost: "smtp.example.com"}))
}

func TestSMTPMailer_VerifyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := NewSMTPMailer(config.AlertsConfig{SMTPHost: "127.0.0.1", SMTPPort: port, SMTPUser: "u", SMTPPassword: "p"})
	err = m.Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}
