package portal

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// ResponseKind selects how a response body is decoded.
type ResponseKind int

const (
	// KindText returns the raw response body as a string.
	KindText ResponseKind = iota
	// KindDocument parses the response body as an HTML document.
	KindDocument
	// KindJSON validates the response body as JSON and returns it raw
	// for the caller to decode.
	KindJSON
)

// String returns the string representation of the response kind.
func (k ResponseKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDocument:
		return "document"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Request is an unexecuted portal request.
type Request struct {
	req *http.Request
}

// URL returns the request target.
func (r *Request) URL() *url.URL {
	return r.req.URL
}

// BuildGet creates a GET request. Params are merged into any query
// parameters already present in rawurl.
func (s *Session) BuildGet(rawurl string, params map[string]string) (*Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid request url %q", rawurl)
	}

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build GET request")
	}
	return &Request{req: req}, nil
}

// BuildPost creates a POST request with an urlencoded form body.
func (s *Session) BuildPost(rawurl string, form map[string]string) (*Request, error) {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}

	req, err := http.NewRequest(http.MethodPost, rawurl, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build POST request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return &Request{req: req}, nil
}
