package core

import (
	"bytes"
	"net/mail"
	texttmpl "text/template"
)

var passwordResetTmpl = texttmpl.Must(texttmpl.New("password-reset").Parse(`Hello {{ .Data.Name }},

You requested a password reset for your {{ .Data.AppName }} account.
Follow the link below to set a new password:

{{ .FrontendBaseURL }}/auth/reset-password?uid={{ .Data.UID }}&token={{ .Data.Token }}

If you did not request this, you can safely ignore this email.
`))

type (
	EmailMessage struct {
		To      []mail.Address
		Cc      []mail.Address
		Bcc     []mail.Address
		Subject string
		BodyStr string // simple text/plain, non-templated content

		// templated contents
		TemplateName string
		TemplateData interface{}
		TextContent  string
	}

	ContextData struct {
		FrontendBaseURL string
		Data            interface{}
	}
)

// Render resolves the message's final TextContent, executing the named
// template when one is set.
func (m *EmailMessage) Render(conf *Config) error {
	if m.BodyStr != "" {
		m.TextContent = m.BodyStr
		return nil
	}
	if m.TemplateName == "" {
		return nil
	}

	tmpl := templateFor(m.TemplateName)
	if tmpl == nil {
		return nil
	}
	var buff bytes.Buffer
	if err := tmpl.Execute(&buff, ContextData{FrontendBaseURL: conf.FrontendBaseURL, Data: m.TemplateData}); err != nil {
		return err
	}
	m.TextContent = buff.String()
	return nil
}

func (m *EmailMessage) HasRecipients() bool { return len(m.To) > 0 }
func (m *EmailMessage) HasContent() bool    { return m.TextContent != "" }

func templateFor(name string) *texttmpl.Template {
	switch name {
	case "password-reset":
		return passwordResetTmpl
	}
	return nil
}

// EmailService is any service that can send emails
type EmailService interface {
	// SendMessages sends messages concurrently
	SendMessages(messages ...*EmailMessage)
}
