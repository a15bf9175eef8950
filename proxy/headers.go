package proxy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/valyala/fasthttp"
)

const (
	serverHeaderValue = "AWS CodeArtifact Maven Proxy"
	viaHeaderValue    = "awscodeartifact-maven-proxy"
)

// hopHeaders are never passed between the backend and the client connection.
var hopHeaders = []string{
	fasthttp.HeaderConnection,
	fasthttp.HeaderKeepAlive,
	fasthttp.HeaderProxyConnection,
}

// headerPolicy rewrites the headers of outgoing responses.
type headerPolicy struct {
	strip []glob.Glob
}

// newHeaderPolicy compiles the strip patterns. Patterns match header names
// case-insensitively.
func newHeaderPolicy(patterns []string) (*headerPolicy, error) {
	p := &headerPolicy{}
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid strip header pattern %q: %w", pattern, err)
		}
		p.strip = append(p.strip, g)
	}
	return p, nil
}

// applyProxied rewrites the headers of a response received from a backend.
func (p *headerPolicy) applyProxied(h *fasthttp.ResponseHeader) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.ResetConnectionClose()

	if len(p.strip) > 0 {
		var names []string
		for k := range h.All() {
			name := string(k)
			if p.stripped(name) {
				names = append(names, name)
			}
		}
		for _, name := range names {
			h.Del(name)
		}
	}

	p.applyServer(h)
}

// applyServer adds a Server header, or a Via header if the response already
// carries a Server header of the system that generated it.
func (p *headerPolicy) applyServer(h *fasthttp.ResponseHeader) {
	if len(h.Server()) > 0 {
		h.Add(fasthttp.HeaderVia, viaHeaderValue)
		return
	}
	h.SetServer(serverHeaderValue)
}

func (p *headerPolicy) stripped(name string) bool {
	name = strings.ToLower(name)
	for _, g := range p.strip {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// rewriteRequestHeader prepares a copy of the client request header for the
// backend. The backend connection is always kept alive; the client connection
// follows the client's own request.
func rewriteRequestHeader(h *fasthttp.RequestHeader, requestURI, host, authorization string) {
	h.SetRequestURI(requestURI)
	h.SetHost(host)
	h.Set(fasthttp.HeaderAuthorization, authorization)
	h.SetProtocol("HTTP/1.1")

	h.Del(fasthttp.HeaderExpect)
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.ResetConnectionClose()
	h.SetNoDefaultContentType(true)
}
