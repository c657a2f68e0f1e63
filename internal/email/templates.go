package email

import (
	"bytes"
	"html/template"
)

var reportBody = template.Must(template.New("report").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #1a1a2e;">
  <h2>Your report is ready</h2>
  <p>The <strong>{{.UseCase}}</strong> export you requested is attached to this email.</p>
  <p>File: {{.FileName}}</p>
  <p style="color: #9aa0a6; font-size: 12px;">This report was generated automatically. Replies to this address are not monitored.</p>
</body>
</html>`))

var failureBody = template.Must(template.New("failure").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #1a1a2e;">
  <h2>Report generation failed</h2>
  <p>We could not generate your <strong>{{.UseCase}}</strong> export.</p>
  <p>Reason: {{.Reason}}</p>
  <p>The request was retried automatically before this notice was sent. You can submit it again at any time.</p>
</body>
</html>`))

// ReportBody renders the success email HTML.
func ReportBody(useCase, fileName string) string {
	var buf bytes.Buffer
	_ = reportBody.Execute(&buf, struct{ UseCase, FileName string }{useCase, fileName})
	return buf.String()
}

// FailureBody renders the terminal-failure email HTML. The reason is
// HTML-escaped by the template.
func FailureBody(useCase, reason string) string {
	var buf bytes.Buffer
	_ = failureBody.Execute(&buf, struct{ UseCase, Reason string }{useCase, reason})
	return buf.String()
}
