package handlers

import (
	"net/http"

	"flowrunner/pkg/email"
	"flowrunner/pkg/engine"
	"flowrunner/pkg/sms"
)

// Dependencies are the outbound clients lambdas need.
type Dependencies struct {
	HTTPClient  *http.Client
	EmailClient email.Client
	SMSClient   sms.Client
}

// All returns every lambda in this package, ready for engine.NewRegistry.
func All(deps Dependencies) []engine.NodeHandler {
	return []engine.NodeHandler{
		NewTriggerHandler(),
		NewCompareHandler(),
		NewLogHandler(),
		NewTerminatorHandler(),
		NewHTTPRequestHandler(deps.HTTPClient),
		NewEmailHandler(deps.EmailClient),
		NewSMSHandler(deps.SMSClient),
	}
}

// NewRegistry builds a registry holding every lambda in this package.
func NewRegistry(deps Dependencies) *engine.Registry {
	return engine.NewRegistry(All(deps)...)
}
