package http

import "sync"

// Request is an HTTP/1.x request. Servers decode it, clients encode it.
type Request struct {
	Header

	Method string
	URL    string // path with the raw query
	Path   string
	Proto  string

	// Query parameters
	Query map[string]string

	// Request body
	Body []byte

	status int
	progress
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Proto: DefaultProto,
			Body:  make([]byte, 0, 1024),
		}
	},
}

func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// Reset resets the request for reuse (memory not freed, just reset)
func (r *Request) Reset() {
	r.Header.reset()
	r.Method = ""
	r.URL = ""
	r.Path = ""
	r.Proto = DefaultProto
	clear(r.Query)
	r.Body = r.Body[:0]
	r.status = 0
	r.progress = progress{}
}

func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

func (r *Request) Status() int            { return r.status }
func (r *Request) SetStatus(status int)   { r.status = status }
func (r *Request) Content() []byte        { return r.Body }
func (r *Request) SetContent(body []byte) { r.Body = append(r.Body[:0], body...) }

// AppendContent appends to the body.
func (r *Request) AppendContent(p []byte) { r.Body = append(r.Body, p...) }

// Param returns a query parameter.
func (r *Request) Param(key string) string { return r.Query[key] }

// SetParam sets a query parameter.
func (r *Request) SetParam(key, value string) {
	if r.Query == nil {
		r.Query = make(map[string]string)
	}
	r.Query[key] = value
}

// Response is an HTTP/1.x response. Servers encode it, clients decode it.
type Response struct {
	Header

	Proto      string
	StatusCode int
	Reason     string
	Body       []byte

	status int
	progress
}

var responsePool = sync.Pool{
	New: func() any {
		return &Response{
			Proto:      DefaultProto,
			StatusCode: 200,
			Body:       make([]byte, 0, 1024),
		}
	},
}

func AcquireResponse() *Response {
	return responsePool.Get().(*Response)
}

// Reset resets the response for reuse.
func (r *Response) Reset() {
	r.Header.reset()
	r.Proto = DefaultProto
	r.StatusCode = 200
	r.Reason = ""
	r.Body = r.Body[:0]
	r.status = 0
	r.progress = progress{}
}

func ReleaseResponse(resp *Response) {
	resp.Reset()
	responsePool.Put(resp)
}

func (r *Response) Status() int            { return r.status }
func (r *Response) SetStatus(status int)   { r.status = status }
func (r *Response) Content() []byte        { return r.Body }
func (r *Response) SetContent(body []byte) { r.Body = append(r.Body[:0], body...) }

// AppendContent appends to the body.
func (r *Response) AppendContent(p []byte) { r.Body = append(r.Body, p...) }
