package handlers

// Node types provided by this package.
const (
	TypeTrigger     = "trigger"
	TypeCompare     = "compare"
	TypeLog         = "log"
	TypeTerminator  = "terminator"
	TypeHTTPRequest = "http_request"
	TypeEmail       = "email"
	TypeSMS         = "sms"
)

// Handle ids shared by several lambdas.
const (
	HandleInput    = "input"
	HandleRequest  = "request"
	HandleYes      = "yes"
	HandleNo       = "no"
	HandleMessage  = "message"
	HandleResponse = "response"
	HandleError    = "error"
	HandleSent     = "sent"
)

// Default values for node configuration
const (
	DefaultEmailSubject  = "Notification"
	DefaultHTTPMethod    = "GET"
	DefaultHTTPTimeoutMs = 10000
	DefaultLogLevel      = "info"
	MaxResponseBodyBytes = 1 << 20
)
