package proxy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/davidalecrim/artifact-proxy/connpool"
	"github.com/davidalecrim/artifact-proxy/lookup"
	"github.com/davidalecrim/artifact-proxy/route"
	"github.com/valyala/fasthttp"
)

const errorContentType = "text/plain;charset=UTF-8"

// NotFoundError is returned for request paths that do not address a repository.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Request path %s does not match repository pattern /<domain>/<domain-owner>/<repository>/*", e.Path)
}

func (e *NotFoundError) Unwrap() error {
	return route.ErrNotMatched
}

// BackendConnectError is returned when no usable connection to a repository
// endpoint could be established.
type BackendConnectError struct {
	Remote connpool.RemoteKey
	Err    error
}

func (e *BackendConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Remote, e.Err)
}

func (e *BackendConnectError) Unwrap() error {
	return e.Err
}

// backendIOError wraps failures reading from or writing to a bound backend
// connection. The state of the connection is unknown afterwards.
type backendIOError struct {
	op  string
	err error
}

func (e *backendIOError) Error() string {
	return fmt.Sprintf("failed to %s backend: %v", e.op, e.err)
}

func (e *backendIOError) Unwrap() error {
	return e.err
}

// StatusCode maps an error raised while handling a request to the status of
// the error response.
func StatusCode(err error) int {
	var (
		notFound *NotFoundError
		connect  *BackendConnectError
		upstream *lookup.UpstreamError
	)
	switch {
	case errors.As(err, &notFound), errors.Is(err, route.ErrNotMatched):
		return fasthttp.StatusNotFound
	case errors.As(err, &connect):
		return fasthttp.StatusServiceUnavailable
	case errors.As(err, &upstream):
		switch upstream.Kind {
		case lookup.KindValidation:
			return fasthttp.StatusBadRequest
		case lookup.KindNotFound:
			return fasthttp.StatusNotFound
		case lookup.KindUnavailable:
			return fasthttp.StatusServiceUnavailable
		}
	}
	return fasthttp.StatusInternalServerError
}

// writeError turns err into a plain text error response. Unexpected failures
// additionally close the frontend connection.
func writeError(ctx *fasthttp.RequestCtx, err error) int {
	status := StatusCode(err)

	msg := err.Error()
	if msg == "" {
		msg = fasthttp.StatusMessage(status)
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType(errorContentType)
	ctx.SetBodyString(msg)
	if status == fasthttp.StatusInternalServerError {
		ctx.SetConnectionClose()
	}
	return status
}

func errorLevel(status int) slog.Level {
	if status >= fasthttp.StatusInternalServerError && status != fasthttp.StatusServiceUnavailable {
		return slog.LevelError
	}
	return slog.LevelWarn
}
