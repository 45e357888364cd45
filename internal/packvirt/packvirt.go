// Package packvirt is the middle stage of the three-stage proxy pipeline: it
// translates the pathname a client asked for into an internal repository
// path via the authorisation service, decides whether the requested command
// is allowed given the path's write permission, lazily creates the
// repository when the authorisation service says to, and only then forwards
// to the pack backend.
//
// Grounded on the teacher's internal/gitproxy.Server (request dispatch,
// structured per-request logging, metrics labels) generalised from HTTP
// request/response to two chained TCP connections, and on
// internal/mirror.Mirror's singleflight-free "one decision, then forward"
// shape.
package packvirt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
)

// Server translates and forwards pack-protocol connections to the backend.
type Server struct {
	auth       *authclient.Client
	backendDSN string // "host:port", dialled fresh per client connection
	metrics    *metrics.Metrics
	log        *slog.Logger
}

func New(auth *authclient.Client, backendHost string, backendPort int, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{auth: auth, backendDSN: fmt.Sprintf("%s:%d", backendHost, backendPort), metrics: m, log: log}
}

// Serve accepts client connections on ln until ctx is cancelled or ln is
// closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, client net.Conn) {
	defer client.Close()
	r := bufio.NewReader(client)

	pkt, err := pktline.ReadPacket(r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug("virt read request failed", "err", err)
		}
		return
	}
	if pkt.Kind != pktline.KindData {
		return
	}
	req, err := pktline.DecodeRequest(pkt.Payload)
	if err != nil {
		s.writeErr(client, "invalid request: "+err.Error())
		return
	}

	permission := "read"
	isWrite := req.Command != "git-upload-pack"
	if isWrite {
		permission = "write"
	}

	auth := authParamsFromRequest(req)
	start := time.Now()
	translated, err := s.auth.TranslatePath(ctx, req.Pathname, permission, auth)
	s.metrics.VirtLatency.WithLabelValues(req.Command).Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeVirtFault(client, err)
		return
	}
	if translated.Trailing != "" {
		s.writeErr(client, "turnip virt error: NOT_FOUND Repository does not exist.")
		return
	}
	if isWrite && !translated.Writable {
		s.writeErr(client, "Repository is read-only")
		return
	}

	backend, err := net.Dial("tcp", s.backendDSN)
	if err != nil {
		s.log.Error("virt could not dial backend", "err", err)
		s.writeErr(client, "turnip virt error: INTERNAL_SERVER_ERROR backend unavailable")
		return
	}
	defer backend.Close()
	backendR := bufio.NewReader(backend)

	isStatelessRPC := req.Params["turnip-stateless-rpc"] == "yes"
	isAdvertiseRefs := req.Params["turnip-advertise-refs"] == "yes"
	needCreate := translated.CreationParams != nil && (!isStatelessRPC || (isStatelessRPC && isAdvertiseRefs && isWrite))

	if needCreate {
		createParams := make(map[string]string, len(req.Params)+1)
		for k, v := range req.Params {
			createParams[k] = v
		}
		if translated.CreationParams.CloneFrom != "" {
			createParams["clone-from"] = translated.CreationParams.CloneFrom
		}
		if err := s.issueCreate(backend, backendR, translated.Path, createParams); err != nil {
			s.log.Warn("lazy repository creation failed", "path", translated.Path, "err", err)
			s.writeErr(client, "Could not create repository: "+err.Error())
			return
		}
	}

	payload, err := pktline.EncodeRequest(req.Command, translated.Path, req.Params)
	if err != nil {
		s.writeErr(client, "invalid request: "+err.Error())
		return
	}
	if err := pktline.WritePacket(backend, payload); err != nil {
		s.log.Warn("virt could not forward request to backend", "err", err)
		return
	}

	s.stream(client, r, backend, backendR)
}

// issueCreate sends turnip-create-repo over the already-open backend
// connection and waits for its ACK/ERR before the caller sends the real
// command, so both requests share one TCP connection in order.
func (s *Server) issueCreate(backend net.Conn, backendR *bufio.Reader, path string, params map[string]string) error {
	payload, err := pktline.EncodeRequest("turnip-create-repo", path, params)
	if err != nil {
		return err
	}
	if err := pktline.WritePacket(backend, payload); err != nil {
		return err
	}
	reply, err := pktline.ReadPacket(backendR)
	if err != nil {
		return err
	}
	if reply.Kind != pktline.KindData {
		return errors.New("backend closed connection during repository creation")
	}
	line := string(reply.Payload)
	if len(line) >= 3 && line[:3] == "ERR" {
		return errors.New(line[4:])
	}
	return nil
}

// stream bidirectionally copies bytes between the client and backend
// connections once the real command has been forwarded. When one side
// half-closes, the half-close is forwarded to the other side and the
// opposite direction keeps flowing; stream returns once both directions have
// finished (the "Streaming" -> "Closed" transition).
func (s *Server) stream(client net.Conn, clientR *bufio.Reader, backend net.Conn, backendR *bufio.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, clientR)
		if tc, ok := backend.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backendR)
		if tc, ok := client.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (s *Server) writeErr(w io.Writer, msg string) {
	_ = pktline.WritePacket(w, []byte("ERR "+msg+"\n"))
}

// writeVirtFault renders an authorisation-service failure as the
// "turnip virt error:" prefixed line the anonymous frontend later strips
// before it reaches an anonymous client (authenticated frontends forward it
// unchanged so smarthttp can map it to a status code).
func (s *Server) writeVirtFault(w io.Writer, err error) {
	if errors.Is(err, authclient.ErrTimeout) {
		s.writeErr(w, "turnip virt error: GATEWAY_TIMEOUT Path translation timed out.")
		return
	}
	var fault *authclient.Fault
	if errors.As(err, &fault) {
		s.writeErr(w, "turnip virt error: "+fault.Kind(false).String()+" "+fault.Message)
		return
	}
	s.writeErr(w, "turnip virt error: INTERNAL_SERVER_ERROR "+err.Error())
}

func authParamsFromRequest(req pktline.Request) authclient.AuthParams {
	auth := authclient.AuthParams{
		User:            req.Params["turnip-authenticated-user"],
		CanAuthenticate: req.Params["turnip-can-authenticate"] == "yes",
		RequestID:       req.Params["turnip-request-id"],
	}
	if v := req.Params["turnip-authenticated-uid"]; v != "" {
		if uid, err := strconv.Atoi(v); err == nil {
			auth.UID = &uid
		}
	}
	return auth
}
