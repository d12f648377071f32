package http

import "encoding/json"

// Context is a handler-side view over a server exchange.
type Context struct {
	req  *Request
	resp *Response
}

// NewContext wraps the messages of a server codec.
func NewContext(s *Server) *Context {
	return &Context{req: s.req, resp: s.resp}
}

// Method returns the HTTP method
func (c *Context) Method() string { return c.req.Method }

// Path returns the request path
func (c *Context) Path() string { return c.req.Path }

// Query gets a query parameter
func (c *Context) Query(key string) string { return c.req.Param(key) }

// Header gets a request header
func (c *Context) Header(key string) string { return c.req.GetHeader(key) }

// Body returns the request body
func (c *Context) Body() []byte { return c.req.Body }

// Bind binds JSON to a struct
func (c *Context) Bind(v any) error {
	return json.Unmarshal(c.req.Body, v)
}

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) { c.resp.SetHeader(key, value) }

// String sets a text response
func (c *Context) String(code int, s string) {
	c.Data(code, "text/plain", []byte(s))
}

// JSON sets a JSON response
func (c *Context) JSON(code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.String(500, "JSON marshal error")
		return
	}
	c.Data(code, "application/json", data)
}

// Bytes sets a raw bytes response
func (c *Context) Bytes(code int, data []byte) {
	c.Data(code, "application/octet-stream", data)
}

// Data sets the status, content type and body of the response.
func (c *Context) Data(code int, contentType string, data []byte) {
	c.resp.StatusCode = code
	c.resp.ContentType = contentType
	c.resp.SetContent(data)
}

// Error sets an error response
func (c *Context) Error(code int, message string) {
	c.JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Success sets a success response
func (c *Context) Success(data any) {
	c.JSON(200, map[string]any{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}
