// Package httpx holds the JSON response envelope shared by every service.
package httpx

import "github.com/labstack/echo/v4"

// Envelope is the body returned for failures and simple acknowledgements.
type Envelope struct {
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Fail writes a failure envelope with the given status and message. The
// message must already be safe for clients; internal error detail belongs in
// logs only.
func Fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, Envelope{Success: false, Message: msg})
}

// OK writes a success envelope.
func OK(c echo.Context, status int, msg string) error {
	return c.JSON(status, Envelope{Success: true, Message: msg})
}
