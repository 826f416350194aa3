package notify

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
	_ "time/tzdata"

	"github.com/smukkama/weather-monitor/internal/database"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const textTemplate = `
TEMPERATURE ALERT: {{.Level}}

City: {{.City}}
Current temperature: {{.Temperature}} °C
Feels like: {{.FeelsLike}} °C
Configured limit: {{.Limit}} °C
Severity: {{.Severity}}
Date/time: {{.Timestamp}}
{{if .Test}}
This is a test alert.
{{end}}
---
Weather Monitor Notification System
`

const htmlTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; margin: 20px;">
  <div style="background-color: {{.Background}}; padding: 15px; border-radius: 5px;">
    <h2>Temperature alert: {{.Level}}</h2>
    <p><strong>City:</strong> {{.City}}</p>
    <p style="font-size: 24px; font-weight: bold; color: {{.Accent}};">Current temperature: {{.Temperature}} °C</p>
    <p><strong>Feels like:</strong> {{.FeelsLike}} °C</p>
    <p><strong>Configured limit:</strong> {{.Limit}} °C</p>
    <p><strong>Severity:</strong> {{.Severity}}</p>
    <p><strong>Date/time:</strong> {{.Timestamp}}</p>
    {{if .Test}}<p><em>This is a test alert.</em></p>{{end}}
  </div>
  <p style="font-size: 12px; color: #6c757d;">Weather Monitor Notification System</p>
</body>
</html>`

var (
	parsedText = texttemplate.Must(texttemplate.New("alert-text").Parse(textTemplate))
	parsedHTML = htmltemplate.Must(htmltemplate.New("alert-html").Parse(htmlTemplate))
)

// Message is a rendered e-mail
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Formatter renders alert content for a locale and timezone
type Formatter struct {
	printer  *message.Printer
	location *time.Location
}

// NewFormatter falls back to English and UTC when locale or timezone are invalid.
func NewFormatter(locale, timezone string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Formatter{printer: message.NewPrinter(tag), location: loc}
}

// Number formats v with one decimal using the locale's separators.
func (f *Formatter) Number(v float64) string {
	return f.printer.Sprintf("%.1f", v)
}

func (f *Formatter) Time(t time.Time) string {
	return t.In(f.location).Format("02/01/2006 15:04:05 MST")
}

type emailView struct {
	Level       string
	City        string
	Temperature string
	FeelsLike   string
	Limit       string
	Severity    string
	Timestamp   string
	Background  string
	Accent      string
	Test        bool
}

// Email renders the subject and both bodies of an alert e-mail.
func (f *Formatter) Email(a Alert) (Message, error) {
	view := emailView{
		Level:       "LOW",
		City:        a.City.DisplayName(),
		Temperature: f.Number(a.Event.Value),
		FeelsLike:   f.Number(a.FeelsLike),
		Limit:       f.Number(a.Event.Limit),
		Severity:    a.Severity,
		Timestamp:   f.Time(a.Event.TriggeredAt),
		Background:  "#d1ecf1",
		Accent:      "#0984e3",
		Test:        a.Test,
	}
	if a.Event.Kind == database.AlertKindHigh {
		view.Level = "HIGH"
		view.Background = "#fff3cd"
		view.Accent = "#e17055"
	}

	var text, html bytes.Buffer
	if err := parsedText.Execute(&text, view); err != nil {
		return Message{}, err
	}
	if err := parsedHTML.Execute(&html, view); err != nil {
		return Message{}, err
	}

	subject := "Temperature alert " + strings.ToLower(view.Level) + " - " + a.City.Name
	if a.Test {
		subject = "[TEST] " + subject
	}

	return Message{
		To:      a.Config.Email,
		Subject: subject,
		Text:    strings.TrimSpace(text.String()),
		HTML:    html.String(),
	}, nil
}
