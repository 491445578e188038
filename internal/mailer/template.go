package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"strings"
	"time"
)

// WelcomeData is the data substituted into the welcome email template
type WelcomeData struct {
	Name           string
	SiteURL        string
	UnsubscribeURL string
}

const welcomeSubject = "Welcome aboard! You're on the early access list"

const welcomeTemplate = `<!DOCTYPE html>
<html>
<head>
<style>
  body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
  .container { max-width: 600px; margin: 0 auto; padding: 20px; }
  .header { background: #4a5fc1; color: white; padding: 30px; text-align: center; border-radius: 10px 10px 0 0; }
  .content { background: #f9f9f9; padding: 30px; border-radius: 0 0 10px 10px; }
  .cta { text-align: center; margin: 30px 0; }
  .button { display: inline-block; background: #4a5fc1; color: white; padding: 15px 30px; text-decoration: none; border-radius: 25px; font-weight: bold; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>Welcome!</h1>
  </div>
  <div class="content">
    <h2>Hi {{.Name}}!</h2>
    <p>Thank you for joining our early access list. We'll keep you updated
    with exclusive previews and launch details.</p>
    <div class="cta">
      <a href="{{.SiteURL}}" class="button">Visit the site</a>
    </div>
    <p>Best regards,<br><strong>The Team</strong></p>
    <hr>
    <p><small>You're receiving this because you signed up for early access.
    <a href="{{.UnsubscribeURL}}">Unsubscribe</a></small></p>
  </div>
</div>
</body>
</html>
`

var welcomeTmpl = template.Must(template.New("welcome").Parse(welcomeTemplate))

// RenderWelcome renders the welcome email body. An empty name falls back to
// a generic greeting.
func RenderWelcome(data WelcomeData) (string, error) {
	if data.Name == "" {
		data.Name = "there"
	}

	var buf bytes.Buffer
	if err := welcomeTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render welcome template: %w", err)
	}
	return buf.String(), nil
}

// BuildMessage assembles an RFC 5322 message with an HTML body
func BuildMessage(fromName, fromEmail, to, subject, htmlBody string) []byte {
	var buf bytes.Buffer

	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", fromName), fromEmail)
	}

	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		"Date: " + time.Now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		`Content-Type: text/html; charset="utf-8"`,
	}

	buf.WriteString(strings.Join(headers, "\r\n"))
	buf.WriteString("\r\n\r\n")
	buf.WriteString(htmlBody)
	buf.WriteString("\r\n")

	return buf.Bytes()
}
