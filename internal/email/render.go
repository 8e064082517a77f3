package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"FollowUp/internal/models"
	"FollowUp/internal/timeutil"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	firstTemplate = "first_follow_up.html"
	laterTemplate = "follow_up.html"
)

// Content is a rendered follow-up, ready to send and to record.
type Content struct {
	Subject  string
	HTMLBody string
	Context  map[string]string
}

type templateData struct {
	Company          string
	Position         string
	OriginalSentDate string
	AttemptNumber    int
}

// Renderer picks the template by attempt number: attempt 1 gets the first
// follow-up wording, later attempts the check-in wording.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) Render(app *models.Application, attempt int) (Content, error) {
	sentDate := ""
	origin := app.CreatedAt
	if app.SentAt != nil {
		origin = *app.SentAt
	}
	if origin != 0 {
		d, err := timeutil.FormatDate(origin, app.Policy.Timezone)
		if err != nil {
			return Content{}, err
		}
		sentDate = d
	}

	data := templateData{
		Company:          app.Company,
		Position:         app.Position,
		OriginalSentDate: sentDate,
		AttemptNumber:    attempt,
	}

	name := laterTemplate
	if attempt <= 1 {
		name = firstTemplate
	}

	var body bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&body, name, data); err != nil {
		return Content{}, fmt.Errorf("template execution error: %w", err)
	}

	return Content{
		Subject:  Subject(app),
		HTMLBody: body.String(),
		Context: map[string]string{
			"application_id":     app.ID,
			"company":            app.Company,
			"position":           app.Position,
			"original_sent_date": sentDate,
			"attempt":            strconv.Itoa(attempt),
		},
	}, nil
}

// Subject prefixes the original subject with "Re: " once.
func Subject(app *models.Application) string {
	s := strings.TrimSpace(app.Subject)
	if s == "" {
		s = fmt.Sprintf("Application for %s at %s", app.Position, app.Company)
	}
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}
