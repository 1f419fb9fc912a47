package email

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates
var templateFS embed.FS

// ErrUnknownTemplate means no template is registered under the message's
// name. Retrying cannot help.
var ErrUnknownTemplate = errors.New("unknown email template")

var funcs = template.FuncMap{"date": formatDate}

// renderer turns a Message into a subject and an HTML body. Subjects live in
// templates/subjects.tmpl, bodies in templates/*.html as "<name>.html".
type renderer struct {
	subjects *texttemplate.Template
	bodies   map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	subjects, err := texttemplate.New("subjects").Funcs(texttemplate.FuncMap(funcs)).ParseFS(templateFS, "templates/subjects.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse subjects: %w", err)
	}
	base, err := template.New("base").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse bodies: %w", err)
	}

	r := &renderer{subjects: subjects, bodies: make(map[string]*template.Template)}
	for _, t := range subjects.Templates() {
		name := t.Name()
		if name == "subjects" || strings.HasSuffix(name, ".tmpl") {
			continue
		}
		if base.Lookup(name+".html") == nil {
			return nil, fmt.Errorf("template %s has a subject but no body", name)
		}
		page, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := page.Parse(`{{define "content"}}{{template "` + name + `.html" .}}{{end}}`); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
		r.bodies[name] = page
	}
	return r, nil
}

func (r *renderer) render(msg Message) (subject, html string, err error) {
	page, ok := r.bodies[msg.Template]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, msg.Template)
	}
	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}

	var sb strings.Builder
	if err := r.subjects.ExecuteTemplate(&sb, msg.Template, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", msg.Template, err)
	}
	var hb bytes.Buffer
	if err := page.ExecuteTemplate(&hb, "layout", data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", msg.Template, err)
	}
	return strings.TrimSpace(sb.String()), hb.String(), nil
}

// formatDate accepts a time.Time or an RFC 3339 string, which is what a
// time becomes after a trip through the queue.
func formatDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format("January 2, 2006")
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.Format("January 2, 2006")
		}
		return t
	default:
		return fmt.Sprint(v)
	}
}
