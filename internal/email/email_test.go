package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"FollowUp/internal/models"
)

func testApp() *models.Application {
	// 01:30 UTC on March 5 is still March 4 in New York.
	sent := time.Date(2025, 3, 5, 1, 30, 0, 0, time.UTC).UnixMilli()
	return &models.Application{
		ID:             "app-1",
		RecipientEmail: "jobs@initech.com",
		Company:        "Initech",
		Position:       "Platform Engineer",
		Subject:        "Application: Platform Engineer",
		Status:         models.StatusSent,
		SentAt:         &sent,
		Policy:         models.FollowUpPolicy{Timezone: "America/New_York"},
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		expected string
	}{
		{name: "prefixed", subject: "Application: Platform Engineer", expected: "Re: Application: Platform Engineer"},
		{name: "already re", subject: "Re: Application", expected: "Re: Application"},
		{name: "lowercase re", subject: "RE: Application", expected: "RE: Application"},
		{name: "empty falls back", subject: "  ", expected: "Re: Application for Platform Engineer at Initech"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := testApp()
			app.Subject = tt.subject
			assert.Equal(t, tt.expected, Subject(app))
		})
	}
}

func TestRender_TemplateByAttempt(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	first, err := r.Render(testApp(), 1)
	require.NoError(t, err)
	assert.Contains(t, first.HTMLBody, "I am following up on my application")
	assert.Contains(t, first.HTMLBody, "Platform Engineer")
	assert.Contains(t, first.HTMLBody, "March 4, 2025")
	assert.Equal(t, "Re: Application: Platform Engineer", first.Subject)
	assert.Equal(t, "1", first.Context["attempt"])
	assert.Equal(t, "Initech", first.Context["company"])

	later, err := r.Render(testApp(), 2)
	require.NoError(t, err)
	assert.Contains(t, later.HTMLBody, "check in once more")
	assert.NotEqual(t, first.HTMLBody, later.HTMLBody)

	again, err := r.Render(testApp(), 2)
	require.NoError(t, err)
	assert.Equal(t, later, again, "rendering is deterministic")
}

func TestRender_EscapesHTML(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	app := testApp()
	app.Company = "<script>alert(1)</script>"
	c, err := r.Render(app, 1)
	require.NoError(t, err)
	assert.NotContains(t, c.HTMLBody, "<script>")
}

func TestRender_BadTimezone(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	app := testApp()
	app.Policy.Timezone = "Invalid/Zone"
	_, err = r.Render(app, 1)
	assert.Error(t, err)
}

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestSMTPSender_Send(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPSender{From: "me@example.com", dial: d}

	err := s.Send(context.Background(), Message{
		To:       "jobs@initech.com",
		Subject:  "Re: hi",
		HTMLBody: "<p>hi</p>",
		Context:  map[string]string{"original_sent_date": "March 4, 2025", "company": "Initech"},
	})
	require.NoError(t, err)
	require.Len(t, d.sent, 1)

	m := d.sent[0]
	assert.Equal(t, []string{"jobs@initech.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Re: hi"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"March 4, 2025"}, m.GetHeader("X-Followup-Original-Sent-Date"))
	assert.Equal(t, []string{"Initech"}, m.GetHeader("X-Followup-Company"))
}

func TestSMTPSender_SendError(t *testing.T) {
	boom := errors.New("535 authentication failed")
	s := &SMTPSender{From: "me@example.com", dial: &fakeDialer{err: boom}}

	err := s.Send(context.Background(), Message{To: "a@b.c"})
	assert.ErrorIs(t, err, boom)
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPSender{dial: d}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Send(ctx, Message{To: "a@b.c"}), context.Canceled)
	assert.Empty(t, d.sent)
}

type mockSES struct {
	mock.Mock
}

func (m *mockSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*ses.SendEmailOutput)
	return out, args.Error(1)
}

func TestSESSender_Send(t *testing.T) {
	m := new(mockSES)
	s := &SESSender{Client: m, From: "me@example.com"}

	m.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *ses.SendEmailInput) bool {
		return aws.ToString(in.Source) == "me@example.com" &&
			in.Destination.ToAddresses[0] == "jobs@initech.com" &&
			aws.ToString(in.Message.Body.Html.Data) == "<p>hi</p>" &&
			len(in.Tags) == 1 &&
			aws.ToString(in.Tags[0].Name) == "original_sent_date" &&
			aws.ToString(in.Tags[0].Value) == "March_4__2025"
	})).Return(&ses.SendEmailOutput{MessageId: aws.String("m-1")}, nil)

	err := s.Send(context.Background(), Message{
		To:       "jobs@initech.com",
		Subject:  "Re: hi",
		HTMLBody: "<p>hi</p>",
		Context:  map[string]string{"original_sent_date": "March 4, 2025"},
	})
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestSESSender_SendError(t *testing.T) {
	m := new(mockSES)
	s := &SESSender{Client: m, From: "me@example.com"}
	boom := errors.New("MessageRejected")

	m.On("SendEmail", mock.Anything, mock.Anything).Return(nil, boom)

	err := s.Send(context.Background(), Message{To: "a@b.c"})
	assert.ErrorIs(t, err, boom)
}

func TestMessageTags_SkipsEmptyValues(t *testing.T) {
	tags := messageTags(map[string]string{"company": "Acme Inc.", "original_sent_date": ""})
	require.Len(t, tags, 1)
	assert.Equal(t, "company", aws.ToString(tags[0].Name))
	assert.Equal(t, "Acme_Inc_", aws.ToString(tags[0].Value))
}
