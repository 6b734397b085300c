package handlers

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

//go:embed openapi.yaml
var openapiSpec []byte

// openapiETag changes whenever the embedded document does.
var openapiETag = func() string {
	sum := sha256.Sum256(openapiSpec)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}()

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <noscript>The interactive docs need JavaScript. The raw document is at <a href="{{.SpecURL}}">{{.SpecURL}}</a>.</noscript>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: {{.SpecURL}},
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis],
      supportedSubmitMethods: ["get"],
      tryItOutEnabled: false,
    });
  </script>
</body>
</html>
`))

// OpenAPISpec handles GET /openapi.yaml. It answers conditional requests
// against a content hash, so clients can revalidate cheaply.
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("ETag", openapiETag)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "openapi.yaml", time.Time{}, bytes.NewReader(openapiSpec))
}

// Docs returns the Swagger UI page titled title, loading the document from
// specURL. The page is rendered once.
func Docs(title, specURL string) http.HandlerFunc {
	var buf bytes.Buffer
	if err := docsPage.Execute(&buf, struct{ Title, SpecURL string }{title, specURL}); err != nil {
		panic("render docs page: " + err.Error())
	}
	page := buf.Bytes()

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(page); err != nil {
			slog.Debug("write docs page", "error", err)
		}
	}
}
