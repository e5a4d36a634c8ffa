package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

const (
	schemeBearer = "bearerAuth"
	schemeAPIKey = "apiKeyAuth"
)

var authSecurity = []map[string][]string{
	{schemeBearer: {}},
	{schemeAPIKey: {}},
}

// registerSecuritySchemes declares the bearer and API key schemes operations refer to.
func registerSecuritySchemes(oas *huma.OpenAPI) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[schemeBearer] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "HS256 token carrying a permissions claim",
	}
	oas.Components.SecuritySchemes[schemeAPIKey] = &huma.SecurityScheme{
		Type:        "apiKey",
		In:          "header",
		Name:        "X-Api-Key",
		Description: "Key created with lz apikey create; its scopes are its permissions",
	}
}

// registerSpec serves the finished document as JSON and YAML. It must run after
// every operation is registered.
func registerSpec(r chi.Router, api huma.API, basePath string) error {
	oas := api.OpenAPI()
	addDefaultErrorResponse(oas)
	jsonSpec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("marshal openapi: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonSpec, &doc); err != nil {
		return err
	}
	yamlSpec, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal openapi yaml: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonSpec)
	})
	r.Get(path.Join(basePath, "openapi.yaml"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(yamlSpec)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(path.Join("/", basePath, "openapi.json")))
	})
	return nil
}

func addDefaultErrorResponse(oas *huma.OpenAPI) {
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error envelope",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Leadez API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui', persistAuthorization: true });
    </script>
  </body>
</html>`, specURL)
}
