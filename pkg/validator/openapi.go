// Package validator checks requests against the service's OpenAPI document.
package validator

import (
	"fmt"
	"net/http"
	"sync"

	"ai-character-runtime/backend/pkg/errors"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

// OpenAPIValidator validates requests against an OpenAPI document
type OpenAPIValidator struct {
	doc        *openapi3.T
	router     routers.Router
	schemaPath string
	mutex      sync.RWMutex
}

// NewOpenAPIValidator loads the document at schemaPath
func NewOpenAPIValidator(schemaPath string) (*OpenAPIValidator, error) {
	v := &OpenAPIValidator{schemaPath: schemaPath}
	if err := v.ReloadSchema(); err != nil {
		return nil, err
	}
	return v, nil
}

// NewOpenAPIValidatorFromData builds a validator from an in-memory document
func NewOpenAPIValidatorFromData(data []byte) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI schema: %w", err)
	}
	v := &OpenAPIValidator{}
	if err := v.install(loader, doc); err != nil {
		return nil, err
	}
	return v, nil
}

// ReloadSchema reloads the document from disk
func (v *OpenAPIValidator) ReloadSchema() error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(v.schemaPath)
	if err != nil {
		return fmt.Errorf("failed to load OpenAPI schema from %s: %w", v.schemaPath, err)
	}
	return v.install(loader, doc)
}

func (v *OpenAPIValidator) install(loader *openapi3.Loader, doc *openapi3.T) error {
	if err := doc.Validate(loader.Context); err != nil {
		return fmt.Errorf("invalid OpenAPI schema: %w", err)
	}
	// match on paths only; the document's servers list the public hosts
	doc.Servers = nil
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("error creating OpenAPI router: %w", err)
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.doc = doc
	v.router = router
	return nil
}

// Middleware rejects requests that do not match their documented operation.
// Routes missing from the document pass through. Authentication is left to
// the auth middleware.
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.mutex.RLock()
		router := v.router
		v.mutex.RUnlock()

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         false,
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			_ = c.Error(errors.NewBadRequestError(errors.CodeValidation, fmt.Sprintf("Invalid request: %v", err)))
			c.Abort()
			return
		}

		c.Next()
	}
}

// ServeSpec serves the loaded document as JSON
func (v *OpenAPIValidator) ServeSpec(c *gin.Context) {
	v.mutex.RLock()
	defer v.mutex.RUnlock()
	c.JSON(http.StatusOK, v.doc)
}
