// Package web exposes the pseudo-files of a procfs.Registry over HTTP.
package web

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	restful "github.com/emicklei/go-restful"
	"github.com/gorilla/websocket"

	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/procfs"
)

// Config provides the configuration to start a Server.
type Config struct {
	// Listener is used to serve HTTP.
	Listener net.Listener
	// Registry holds the files served.
	Registry *procfs.Registry
}

// Server serves the files of a registry:
//
//	GET /files                 names of the registered files, as JSON
//	GET /files/{name}          contents of a file, as text
//	GET /files/{name}/stream   contents of a file, one websocket message per line
//
// Every request opens the file anew, so every request runs a new walk.
type Server struct {
	config    *Config
	listener  net.Listener
	container *restful.Container
	log       logflags.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// maxCloseReason is the longest reason that fits in a close frame, after
// the two byte close code.
const maxCloseReason = 123

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// NewServer creates a new Server.
func NewServer(config *Config) *Server {
	s := &Server{
		config:   config,
		listener: config.Listener,
		log:      logflags.WebLogger(),
		stopped:  make(chan struct{}),
	}

	container := restful.NewContainer()
	container.Filter(s.logRequest)

	ws := new(restful.WebService)
	ws.
		Path("/files").
		Route(ws.GET("").To(s.listFiles).Produces(restful.MIME_JSON)).
		Route(ws.GET("/{name}").To(s.getFile).Produces("text/plain")).
		Route(ws.GET("/{name}/stream").To(s.streamFile))
	container.Add(ws)

	s.container = container
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.container
}

// Run serves HTTP on the configured listener. It blocks until Stop is
// called, in which case it returns nil, or serving fails.
func (s *Server) Run() error {
	s.log.Debugf("server listening on %s", s.listener.Addr())
	err := http.Serve(s.listener, s.container)
	select {
	case <-s.stopped:
		return nil
	default:
		return err
	}
}

// Stop closes the listener, making Run return.
func (s *Server) Stop() error {
	err := net.ErrClosed
	s.stopOnce.Do(func() {
		close(s.stopped)
		err = s.listener.Close()
	})
	return err
}

func (s *Server) logRequest(request *restful.Request, response *restful.Response, chain *restful.FilterChain) {
	chain.ProcessFilter(request, response)
	s.log.Debugf("%s %s: %d", request.Request.Method, request.Request.URL.Path, response.StatusCode())
}

// writeError writes a simple error response.
func writeError(response *restful.Response, statusCode int, message string) {
	response.AddHeader("Content-Type", "text/plain")
	response.WriteErrorString(statusCode, message)
}

func (s *Server) listFiles(request *restful.Request, response *restful.Response) {
	names := s.config.Registry.List()
	if names == nil {
		names = []string{}
	}
	response.WriteAsJson(names)
}

// open opens the file named in the request path, answering 404 if it does
// not exist.
func (s *Server) open(request *restful.Request, response *restful.Response) *procfs.File {
	f, err := s.config.Registry.Open(request.PathParameter("name"))
	if err != nil {
		if errors.Is(err, procfs.ErrNotExist) {
			writeError(response, http.StatusNotFound, err.Error())
		} else {
			writeError(response, http.StatusInternalServerError, err.Error())
		}
		return nil
	}
	return f
}

// getFile answers with the contents of the file. A file whose contents
// could not be generated is answered with status 500 and whatever was
// generated before the failure.
func (s *Server) getFile(request *restful.Request, response *restful.Response) {
	f := s.open(request, response)
	if f == nil {
		return
	}
	defer f.Close()

	code := http.StatusOK
	if f.Status() < 0 {
		code = http.StatusInternalServerError
	}
	response.AddHeader("Content-Type", "text/plain; charset=utf-8")
	response.WriteHeader(code)
	if _, err := io.Copy(response, f); err != nil {
		s.log.Warnf("writing %s: %v", f.Name(), err)
	}
}

// streamFile sends the contents of the file as one text message per line,
// followed by a close frame. The close code is CloseInternalServerErr if
// the contents could not be generated.
func (s *Server) streamFile(request *restful.Request, response *restful.Response) {
	f := s.open(request, response)
	if f == nil {
		return
	}
	defer f.Close()

	conn, err := upgrader.Upgrade(response.ResponseWriter, request.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if err := conn.WriteMessage(websocket.TextMessage, scan.Bytes()); err != nil {
			s.log.Warnf("streaming %s: %v", f.Name(), err)
			return
		}
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if f.Status() < 0 {
		reason := f.Err().Error()
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		closeMsg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	}
	if err := conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
		s.log.Warnf("closing stream of %s: %v", f.Name(), err)
	}
}
