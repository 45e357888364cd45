// Package packfrontend is the anonymous entry point of the proxy pipeline:
// a plain TCP listener speaking the stock (and turnip-extended) git://
// pack-protocol, in front of internal/packvirt. Its only responsibilities
// are the SAFE-parameter gate, request-id assignment, and stripping the
// internal "turnip virt error:" framing before anything reaches a client
// that was never authenticated and so cannot act on the fault kind.
//
// Grounded on the teacher's internal/gitproxy request-dispatch shape,
// generalised from HTTP to a bare TCP accept loop the way packvirt and
// packbackend are.
package packfrontend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
)

// Server accepts anonymous pack-protocol connections and forwards them to
// the virt proxy.
type Server struct {
	virtDSN string
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(virtAddr string, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{virtDSN: virtAddr, metrics: m, log: log}
}

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
			s.log.Debug("frontend read request failed", "err", err)
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
	s.metrics.RequestsTotal.WithLabelValues(req.Command, "frontend").Inc()

	for name := range req.Params {
		if !pktline.SafeParams.Contains(name) {
			s.writeErr(client, "Illegal request parameters")
			return
		}
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	if _, ok := req.Params["turnip-request-id"]; !ok {
		req.Params["turnip-request-id"] = uuid.NewString()
	}

	virt, err := net.Dial("tcp", s.virtDSN)
	if err != nil {
		s.log.Error("frontend could not dial virt proxy", "err", err)
		s.writeErr(client, "internal error")
		return
	}
	defer virt.Close()
	virtR := bufio.NewReader(virt)

	payload, err := pktline.EncodeRequest(req.Command, req.Pathname, req.Params)
	if err != nil {
		s.writeErr(client, "invalid request: "+err.Error())
		return
	}
	if err := pktline.WritePacket(virt, payload); err != nil {
		s.log.Warn("frontend could not forward request to virt proxy", "err", err)
		return
	}

	s.relayFirstPacket(client, virtR)
	s.stream(client, r, virt, virtR)
}

// stream bidirectionally copies bytes between the client and virt-proxy
// connections once the request has been forwarded and the first reply
// packet handled. When one side half-closes, the half-close is forwarded to
// the other side and the opposite direction keeps flowing; stream returns
// once both directions have finished.
func (s *Server) stream(client net.Conn, clientR *bufio.Reader, virt net.Conn, virtR *bufio.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(virt, clientR)
		if tc, ok := virt.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, virtR)
		if tc, ok := client.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

// relayFirstPacket inspects the first packet the virt proxy sends back.
// turnip virt error lines carry an internal fault-kind token an anonymous
// client has no use for, so that token is stripped; anything else (ACK,
// ref advertisement, a backend-originated ERR) is forwarded byte for byte.
func (s *Server) relayFirstPacket(client net.Conn, virtR *bufio.Reader) {
	pkt, err := pktline.ReadPacket(virtR)
	if err != nil {
		return
	}
	if pkt.Kind == pktline.KindFlush {
		_ = pktline.WritePacket(client, nil)
		return
	}
	line := string(pkt.Payload)
	if rest, ok := strings.CutPrefix(line, "ERR turnip virt error: "); ok {
		if sp := strings.IndexByte(rest, ' '); sp >= 0 {
			_ = pktline.WritePacket(client, []byte("ERR "+rest[sp+1:]))
			return
		}
	}
	_ = pktline.WritePacket(client, pkt.Payload)
}

func (s *Server) writeErr(w io.Writer, msg string) {
	_ = pktline.WritePacket(w, []byte("ERR "+msg+"\n"))
}
