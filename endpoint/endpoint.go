package endpoint

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NoPort means the endpoint does not pin a port; a rewritten request keeps its own
const NoPort = 0

// Endpoint is a base URL reduced to the parts a failover rewrite replaces
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// Parse validates a base URL such as "https://backup.example.com" or "http://10.0.0.1:8080".
// Validation happens here, once, so Rewrite only fails on a body it cannot replay.
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: scheme must be http or https", raw)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: base endpoint must not carry a path", raw)
	}
	port := NoPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port %q", raw, p)
		}
	}
	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// MustParse is Parse for compile-time constants
func MustParse(raw string) Endpoint {
	e, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return e
}

// String renders the endpoint back as a base URL
func (e Endpoint) String() string {
	u := url.URL{Scheme: e.Scheme, Host: e.hostPort("")}
	return u.String()
}

// URL joins the endpoint with a request path
func (e Endpoint) URL(path string) string {
	return e.String() + "/" + strings.TrimPrefix(path, "/")
}

func (e Endpoint) hostPort(fallbackPort string) string {
	switch {
	case e.Port != NoPort:
		return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	case fallbackPort != "":
		return net.JoinHostPort(e.Host, fallbackPort)
	case strings.Contains(e.Host, ":"):
		return "[" + e.Host + "]"
	default:
		return e.Host
	}
}

// Rewrite returns a copy of req aimed at target. Method, path, query, headers and body are
// unchanged; scheme and host are replaced, and so is the port unless target.Port is NoPort.
// A request with a body must carry GetBody, since the original body has been consumed.
func Rewrite(req *http.Request, target Endpoint) (*http.Request, error) {
	out := req.Clone(req.Context())

	u := *req.URL
	u.Scheme = target.Scheme
	u.Host = target.hostPort(req.URL.Port())
	out.URL = &u
	out.Host = ""

	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot replay request body to %s: no GetBody", target)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("cannot replay request body to %s: %w", target, err)
	}
	out.Body = body
	return out, nil
}
