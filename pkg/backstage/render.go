package backstage

import (
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

// HTMLRenderer renders the guest-facing pages from the embedded templates.
type HTMLRenderer struct {
	templates *template.Template
	logger    *zap.Logger
}

// NewHTMLRenderer parses the embedded page templates.
func NewHTMLRenderer(logger *zap.Logger) (*HTMLRenderer, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &HTMLRenderer{templates: templates, logger: logger}, nil
}

// Consent renders the consent page.
func (r *HTMLRenderer) Consent(w http.ResponseWriter, page ConsentPage) {
	r.render(w, "consent.html", page)
}

// Success renders the post-authorisation page.
func (r *HTMLRenderer) Success(w http.ResponseWriter, page SuccessPage) {
	r.render(w, "success.html", page)
}

// Error renders the failure page.
func (r *HTMLRenderer) Error(w http.ResponseWriter, page ErrorPage) {
	r.render(w, "error.html", page)
}

func (r *HTMLRenderer) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := r.templates.ExecuteTemplate(w, name, data); err != nil {
		r.logger.Error("Failed to render page", zap.String("template", name), zap.Error(err))
	}
}
