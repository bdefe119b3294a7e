package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a message with {{key}} placeholders. Subject doubles as the
// title of a conversation opened for it.
type Template struct {
	ID      string
	Subject string
	Body    string
}

const TemplateStatusReversion = "status-reversion"

// TemplateEngine holds templates by id and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateStatusReversion,
		Subject: "Form Status Updates - {{patient}}",
		Body: "ADMIN STATUS REVERSION NOTICE\n\n" +
			"The status of patient form for \"{{patient}}\" has been reverted from {{old_upper}} back to PENDING for re-evaluation.\n\n" +
			"Please review this case again and provide your decision.\n\n" +
			"Patient: {{patient}}\n" +
			"Previous Status: {{old}}\n" +
			"New Status: Pending\n" +
			"Reverted by: {{admin}}\n" +
			"Time: {{time}}\n\n" +
			"This form is now available in your dashboard for review.",
	})
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Placeholders without data are left
// as they are.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
