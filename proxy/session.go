package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

type state int

const (
	stateWaitingForRequest state = iota
	stateStartRequest
	stateStartRequestComplete
	stateForwardingRequest
	stateWaitingForBackendResponse
	stateForwardingBackendResponse
	stateSendingErrorResponse
)

var stateNames = [...]string{
	stateWaitingForRequest:         "waiting_for_request",
	stateStartRequest:              "start_request",
	stateStartRequestComplete:      "start_request_complete",
	stateForwardingRequest:         "forwarding_request",
	stateWaitingForBackendResponse: "waiting_for_backend_response",
	stateForwardingBackendResponse: "forwarding_backend_response",
	stateSendingErrorResponse:      "sending_error_response",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// streamThreshold is the largest backend response body that is read in full
// before the response to the client is started. Larger bodies are streamed.
const streamThreshold = 64 * 1024

type setupResult struct {
	target *Target
	err    error
}

// session drives the exchanges of one client connection. Its methods all run
// on the goroutine serving the connection, one exchange at a time.
type session struct {
	srv    *Server
	conn   net.Conn
	logger *slog.Logger
	named  bool
	state  state

	ctx       *fasthttp.RequestCtx
	requestID string
	method    string
	uri       string
	started   time.Time
	status    int

	setup       chan setupResult
	cancelSetup context.CancelFunc

	pump        *bodyPump
	paused      bool
	queue       fragmentQueue
	drained     int
	chunkedBody bool

	target  *Target
	chunked io.WriteCloser
	body    *responseBody
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger,
	}
}

// serve handles one request. It returns once the backend response header is
// known or an error response has been prepared; a backend response body is
// streamed by fasthttp after serve returns.
func (s *session) serve(ctx *fasthttp.RequestCtx) {
	if s.state != stateWaitingForRequest {
		s.unexpected("request")
		s.teardown()
	}
	s.begin(ctx)

	for s.setup != nil || s.pump.channel() != nil {
		select {
		case ev := <-s.pump.channel():
			s.onBody(ev)
		case res := <-s.setup:
			s.setup = nil
			s.cancelSetup()
			s.onSetup(res)
		}
	}

	switch s.state {
	case stateWaitingForBackendResponse:
		s.receiveResponse()
	case stateSendingErrorResponse:
		s.complete()
	default:
		s.fail(fmt.Errorf("request handling stopped in state %s", s.state))
		s.complete()
	}
}

func (s *session) begin(ctx *fasthttp.RequestCtx) {
	if !s.named {
		s.logger = s.srv.logger.With("remote_addr", ctx.RemoteAddr().String())
		s.named = true
	}
	s.ctx = ctx
	s.started = time.Now()
	s.requestID = uuid.NewString()
	s.method = string(ctx.Method())
	s.uri = string(ctx.RequestURI())

	header := &fasthttp.RequestHeader{}
	ctx.Request.Header.CopyTo(header)
	path := string(ctx.URI().PathOriginal())
	query := string(ctx.URI().QueryString())

	if body := ctx.RequestBodyStream(); body != nil && ctx.Request.Header.ContentLength() != 0 {
		s.state = stateStartRequest
		s.chunkedBody = ctx.Request.Header.ContentLength() < 0
		s.pump = startBodyPump(body, s.srv.fragmentSize)
		s.pump.pull()
	} else {
		s.state = stateStartRequestComplete
	}

	setupCtx, cancel := context.WithCancel(s.srv.baseCtx)
	results := make(chan setupResult, 1)
	go func() {
		t, err := s.srv.orchestrator.Prepare(setupCtx, header, path, query)
		results <- setupResult{target: t, err: err}
	}()
	s.setup = results
	s.cancelSetup = cancel
}

func (s *session) onBody(ev bodyEvent) {
	switch ev.kind {
	case bodyFragment:
		s.onFragment(ev)

	case bodyEnd:
		s.pump.finished = true
		switch s.state {
		case stateStartRequest:
			s.state = stateStartRequestComplete
		case stateForwardingRequest:
			if err := s.endRequest(); err != nil {
				s.fail(&backendIOError{op: "write request to", err: err})
				return
			}
			s.state = stateWaitingForBackendResponse
		case stateSendingErrorResponse:
		default:
			s.unexpected("end of request body")
		}

	case bodyFailed:
		s.pump.finished = true
		s.ctx.SetConnectionClose()
		if s.state != stateSendingErrorResponse {
			s.fail(fmt.Errorf("failed to read request body: %w", ev.err))
		}
	}
}

func (s *session) onFragment(ev bodyEvent) {
	switch s.state {
	case stateStartRequest:
		s.queue.push(ev.buf)
		if s.queue.size < s.srv.maxBufferedRequestBytes {
			s.pump.pull()
		} else {
			s.paused = true
		}

	case stateForwardingRequest:
		err := s.writeFragment(ev.buf)
		if err == nil {
			err = s.flushBackend()
		}
		if err != nil {
			s.fail(&backendIOError{op: "write request to", err: err})
			return
		}
		s.pump.pull()

	case stateSendingErrorResponse:
		s.drained += ev.buf.Len()
		fragmentPool.Put(ev.buf)
		if s.drained <= s.srv.maxBufferedRequestBytes {
			s.pump.pull()
			return
		}
		s.pump.stop(s.conn)
		s.ctx.SetConnectionClose()

	default:
		s.unexpected("request body fragment")
		fragmentPool.Put(ev.buf)
		s.pump.pull()
	}
}

func (s *session) onSetup(res setupResult) {
	if res.err != nil {
		switch s.state {
		case stateStartRequest, stateStartRequestComplete:
			s.fail(res.err)
		case stateSendingErrorResponse:
		default:
			s.unexpected("backend setup failure")
		}
		return
	}

	switch s.state {
	case stateStartRequest, stateStartRequestComplete:
	default:
		if s.state != stateSendingErrorResponse {
			s.unexpected("backend binding")
		}
		_ = res.target.Conn.Release()
		return
	}

	s.target = res.target
	if err := s.flushQueued(); err != nil {
		s.fail(&backendIOError{op: "write request to", err: err})
		return
	}

	if s.state == stateStartRequestComplete {
		if err := s.endRequest(); err != nil {
			s.fail(&backendIOError{op: "write request to", err: err})
			return
		}
		s.state = stateWaitingForBackendResponse
		return
	}

	s.state = stateForwardingRequest
	if s.paused {
		s.paused = false
		s.pump.pull()
	}
}

// flushQueued writes the request header and every buffered fragment, in
// arrival order, to the bound backend connection.
func (s *session) flushQueued() error {
	c := s.target.Conn
	s.setWriteDeadline()
	if err := s.target.Header.Write(c.Writer); err != nil {
		return err
	}
	if s.chunkedBody {
		s.chunked = httputil.NewChunkedWriter(c.Writer)
	}

	for b := s.queue.pop(); b != nil; b = s.queue.pop() {
		if err := s.writeFragment(b); err != nil {
			return err
		}
	}
	return s.flushBackend()
}

// writeFragment writes b to the backend and returns it to the pool.
func (s *session) writeFragment(b *bytebufferpool.ByteBuffer) error {
	defer fragmentPool.Put(b)

	var w io.Writer = s.target.Conn.Writer
	if s.chunked != nil {
		w = s.chunked
	}
	_, err := w.Write(b.B)
	return err
}

func (s *session) endRequest() error {
	if s.chunked != nil {
		if err := s.chunked.Close(); err != nil {
			return err
		}
		if _, err := s.target.Conn.Writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return s.flushBackend()
}

func (s *session) flushBackend() error {
	s.setWriteDeadline()
	return s.target.Conn.Writer.Flush()
}

func (s *session) setWriteDeadline() {
	if d := s.srv.backendWriteTimeout; d > 0 {
		_ = s.target.Conn.SetWriteDeadline(time.Now().Add(d))
	}
}

func (s *session) setReadDeadline() {
	if d := s.srv.backendReadTimeout; d > 0 && s.target != nil {
		_ = s.target.Conn.SetReadDeadline(time.Now().Add(d))
	}
}

// receiveResponse reads the backend response header and hands the response
// to fasthttp. Small bodies are read along with the header.
func (s *session) receiveResponse() {
	resp := fasthttp.AcquireResponse()
	resp.StreamBody = true
	resp.SkipBody = s.ctx.IsHead()

	s.setReadDeadline()
	if err := resp.ReadLimitBody(s.target.Conn.Reader, streamThreshold); err != nil {
		fasthttp.ReleaseResponse(resp)
		s.fail(&backendIOError{op: "read response from", err: err})
		s.complete()
		return
	}

	s.state = stateForwardingBackendResponse
	size := resp.Header.ContentLength()
	keepAlive := !resp.Header.ConnectionClose() &&
		(size != -2 || resp.SkipBody || bodyless(resp.StatusCode()))

	out := &s.ctx.Response
	resp.Header.CopyTo(&out.Header)
	out.Header.SetNoDefaultContentType(true)
	s.srv.headers.applyProxied(&out.Header)
	s.status = out.StatusCode()

	stream := resp.BodyStream()
	if stream == nil {
		fasthttp.ReleaseResponse(resp)
		s.releaseBackend(keepAlive)
		s.complete()
		return
	}

	if size < 0 {
		size = -1
	}
	s.body = &responseBody{
		session:   s,
		resp:      resp,
		r:         stream,
		remaining: size,
		keepAlive: keepAlive,
	}
	out.ImmediateHeaderFlush = true
	out.SetBodyStream(s.body, size)
}

// bodyless reports whether responses with status code never carry a body.
func bodyless(code int) bool {
	return code < fasthttp.StatusOK ||
		code == fasthttp.StatusNoContent ||
		code == fasthttp.StatusNotModified
}

// releaseBackend unbinds the backend connection. It is returned to its pool
// if reusable, and closed otherwise.
func (s *session) releaseBackend(reusable bool) {
	t := s.target
	if t == nil {
		return
	}
	s.target = nil
	s.chunked = nil

	if !reusable {
		_ = t.Conn.Discard()
		return
	}
	if err := t.Conn.SetDeadline(time.Time{}); err != nil {
		_ = t.Conn.Discard()
		return
	}
	_ = t.Conn.Release()
}

// fail prepares an error response for err. The exchange must not have sent
// any response bytes yet.
func (s *session) fail(err error) {
	if s.cancelSetup != nil {
		s.cancelSetup()
	}
	s.queue.reset()
	s.releaseBackend(false)

	s.state = stateSendingErrorResponse
	s.status = writeError(s.ctx, err)
	s.srv.headers.applyServer(&s.ctx.Response.Header)

	s.logger.Log(context.Background(), errorLevel(s.status), "request failed",
		"request_id", s.requestID,
		"method", s.method,
		"uri", s.uri,
		"status", s.status,
		"error", err,
	)

	if s.paused {
		s.paused = false
		s.pump.pull()
	}
}

// finishResponse is called once fasthttp is done with a streamed response
// body.
func (s *session) finishResponse(b *responseBody) {
	if s.body != b {
		return
	}
	s.body = nil

	complete := b.remaining == 0 || (b.remaining < 0 && b.eof)
	if b.err != nil {
		s.logger.Error("failed to stream backend response",
			"request_id", s.requestID,
			"uri", s.uri,
			"error", b.err,
		)
	}
	s.releaseBackend(complete && b.err == nil && b.keepAlive)
	s.complete()
}

// complete ends the exchange and resets the session for the next request.
func (s *session) complete() {
	elapsed := time.Since(s.started)
	s.srv.metrics.Request(s.method, s.status, elapsed)
	if s.srv.logEnabled {
		s.logger.Info("request completed",
			"request_id", s.requestID,
			"method", s.method,
			"uri", s.uri,
			"status", s.status,
			"duration", elapsed,
		)
	}
	s.reset()
}

func (s *session) reset() {
	s.state = stateWaitingForRequest
	s.ctx = nil
	s.status = 0
	s.setup = nil
	s.cancelSetup = nil
	s.pump = nil
	s.paused = false
	s.drained = 0
	s.chunkedBody = false
	s.queue.reset()
}

// teardown releases everything still bound to the session. It is used when
// the client connection goes away, or a new request arrives while an
// exchange is unfinished.
func (s *session) teardown() {
	if b := s.body; b != nil {
		_ = b.Close()
	}
	if s.cancelSetup != nil {
		s.cancelSetup()
	}
	if s.setup != nil {
		if res := <-s.setup; res.target != nil {
			_ = res.target.Conn.Release()
		}
	}
	s.pump.stop(s.conn)
	s.releaseBackend(false)
	s.reset()
}

func (s *session) unexpected(msg string) {
	s.logger.Warn("dropping unexpected message", "message", msg, "state", s.state.String())
}

// responseBody streams a backend response body to fasthttp and unbinds the
// backend connection once fasthttp closes it.
type responseBody struct {
	session   *session
	resp      *fasthttp.Response
	r         io.Reader
	remaining int
	keepAlive bool

	eof    bool
	err    error
	closed bool
}

func (b *responseBody) Read(p []byte) (int, error) {
	b.session.setReadDeadline()
	n, err := b.r.Read(p)
	if b.remaining > 0 {
		b.remaining -= n
	}
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil:
		b.err = err
	}
	return n, err
}

func (b *responseBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	_ = b.resp.CloseBodyStream()
	fasthttp.ReleaseResponse(b.resp)
	b.resp = nil
	b.session.finishResponse(b)
	return nil
}
