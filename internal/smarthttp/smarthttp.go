// Package smarthttp adapts the Git smart HTTP protocol onto the same
// pack-protocol pipeline every other frontend feeds into. It never talks to
// a git process directly: every request becomes a turnip-extended request
// line dialled straight at the virt proxy, exactly like the TCP and SSH
// frontends, which is what lets a single error-mapping table (spec.md §4.7)
// stay the only HTTP-specific logic in the whole system.
//
// Grounded on the teacher's internal/gitproxy.Server: longest-suffix routing
// over a single http.HandlerFunc, structured per-request logging, and
// metrics labelled by command — generalised from "proxy to an upstream git
// host" to "proxy to the turnip backend farm".
package smarthttp

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/buildinfo"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
)

// Server is the smart HTTP adaptor.
type Server struct {
	virtDSN      string
	auth         *authclient.Client
	gitVersion   string
	buildVersion string
	metrics      *metrics.Metrics
	log          *slog.Logger
}

func New(virtAddr string, auth *authclient.Client, gitVersion, buildVersion string, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{virtDSN: virtAddr, auth: auth, gitVersion: gitVersion, buildVersion: buildVersion, metrics: m, log: log}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.log.Debug("incoming request", "method", r.Method, "path", r.URL.Path)

		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/info/refs"):
			s.handleInfoRefs(w, r, strings.TrimSuffix(path, "/info/refs"), start)
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/git-upload-pack"):
			s.handleCommand(w, r, strings.TrimSuffix(path, "/git-upload-pack"), "git-upload-pack", start)
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/git-receive-pack"):
			s.handleCommand(w, r, strings.TrimSuffix(path, "/git-receive-pack"), "git-receive-pack", start)
		case r.Method == http.MethodOptions && path == "/":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request, pathname string, start time.Time) {
	service := r.URL.Query().Get("service")
	if service == "" {
		http.Error(w, "Only git smart HTTP clients are supported.", http.StatusNotFound)
		return
	}
	if service != "git-upload-pack" && service != "git-receive-pack" {
		http.Error(w, "Unsupported service.", http.StatusForbidden)
		return
	}

	params, authErr := s.baseParams(r, true)
	if authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}
	params["turnip-stateless-rpc"] = "yes"
	params["turnip-advertise-refs"] = "yes"

	command := service
	isV2 := strings.Contains(r.Header.Get("Git-Protocol"), "version=2")
	if isV2 {
		params["version"] = "2"
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")

	virt, err := net.Dial("tcp", s.virtDSN)
	if err != nil {
		s.log.Error("http could not dial virt proxy", "err", err)
		http.Error(w, "internal error", http.StatusBadGateway)
		return
	}
	defer virt.Close()
	virtR := bufio.NewReader(virt)

	payload, err := pktline.EncodeRequest(command, pathname, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := pktline.WritePacket(virt, payload); err != nil {
		http.Error(w, "internal error", http.StatusBadGateway)
		return
	}

	pkt, err := pktline.ReadPacket(virtR)
	if err != nil {
		http.Error(w, "internal error", http.StatusBadGateway)
		return
	}
	if status, body, handled := mapErrorPacket(pkt, true); handled {
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", "Basic realm=turnip")
		}
		http.Error(w, body, status)
		return
	}

	w.WriteHeader(http.StatusOK)
	if isV2 {
		writeV2Capabilities(w, s.gitVersion, s.buildVersion)
	} else {
		announcement := fmt.Sprintf("# service=%s\n", service)
		_ = pktline.WritePacket(w, []byte(announcement))
		_ = pktline.WritePacket(w, nil)
	}
	_ = pktline.WritePacket(w, pkt.Payload)
	_, _ = io.Copy(w, virtR)

	s.metrics.ResponsesTotal.WithLabelValues(service, "ok").Inc()
	s.log.Debug("info/refs complete", "pathname", pathname, "duration_ms", time.Since(start).Milliseconds())
}

func writeV2Capabilities(w io.Writer, gitVersion, buildVersion string) {
	lines := []string{
		"version 2\n",
		"agent=" + buildinfo.Agent(gitVersion, buildVersion) + "\n",
		"ls-refs\n",
		"fetch=shallow\n",
		"server-option\n",
	}
	for _, l := range lines {
		_ = pktline.WritePacket(w, []byte(l))
	}
	_ = pktline.WritePacket(w, nil)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, pathname, command string, start time.Time) {
	wantType := fmt.Sprintf("application/x-%s-request", command)
	if r.Header.Get("Content-Type") != wantType {
		http.Error(w, "Invalid Content-Type for service.", http.StatusBadRequest)
		return
	}

	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	params, authErr := s.baseParams(r, false)
	if authErr != nil {
		s.writeAuthError(w, authErr)
		return
	}
	params["turnip-stateless-rpc"] = "yes"
	if v := r.Header.Get("Git-Protocol"); strings.Contains(v, "version=2") {
		params["version"] = "2"
	}

	virt, err := net.Dial("tcp", s.virtDSN)
	if err != nil {
		s.log.Error("http could not dial virt proxy", "err", err)
		http.Error(w, "internal error", http.StatusBadGateway)
		return
	}
	defer virt.Close()
	virtR := bufio.NewReader(virt)

	payload, err := pktline.EncodeRequest(command, pathname, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := pktline.WritePacket(virt, payload); err != nil {
		http.Error(w, "internal error", http.StatusBadGateway)
		return
	}
	go func() {
		_, _ = io.Copy(virt, body)
		if tc, ok := virt.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
	}()

	pkt, err := pktline.ReadPacket(virtR)
	if err != nil {
		http.Error(w, "internal error", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-result", command))
	w.Header().Set("Cache-Control", "no-cache")

	if status, msg, handled := mapErrorPacket(pkt, false); handled {
		if status == http.StatusOK {
			// other ERR (command handler): forwarded as a Git remote error.
			w.WriteHeader(http.StatusOK)
			_ = pktline.WritePacket(w, pkt.Payload)
			_, _ = io.Copy(w, virtR)
			s.metrics.ResponsesTotal.WithLabelValues(command, "remote_error").Inc()
			return
		}
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", "Basic realm=turnip")
		}
		http.Error(w, msg, status)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = pktline.WritePacket(w, pkt.Payload)
	_, _ = io.Copy(w, virtR)

	s.metrics.ResponsesTotal.WithLabelValues(command, "ok").Inc()
	s.log.Debug("command complete", "pathname", pathname, "command", command, "duration_ms", time.Since(start).Milliseconds())
}

// mapErrorPacket implements spec.md §4.7's backend-error-to-HTTP-status
// table. isRefsHandler distinguishes the one row that differs between the
// ref-advertisement and command handlers: an unrecognised ERR line is a 500
// on the refs path but forwarded as a 200 "remote error" on the command
// path.
func mapErrorPacket(pkt pktline.Result, isRefsHandler bool) (status int, body string, handled bool) {
	if pkt.Kind != pktline.KindData {
		return 0, "", false
	}
	line := strings.TrimRight(string(pkt.Payload), "\n")
	if !strings.HasPrefix(line, "ERR ") {
		return 0, "", false
	}

	const virtPrefix = "ERR turnip virt error: "
	if rest, ok := strings.CutPrefix(line, virtPrefix); ok {
		sp := strings.IndexByte(rest, ' ')
		kind, msg := rest, ""
		if sp >= 0 {
			kind, msg = rest[:sp], rest[sp+1:]
		}
		switch kind {
		case "NOT_FOUND":
			return http.StatusNotFound, msg, true
		case "FORBIDDEN":
			return http.StatusForbidden, msg, true
		case "UNAUTHORIZED":
			return http.StatusUnauthorized, msg, true
		default:
			return http.StatusInternalServerError, msg, true
		}
	}
	if strings.HasPrefix(line, "ERR Repository is read-only") {
		return http.StatusForbidden, strings.TrimPrefix(line, "ERR "), true
	}
	if isRefsHandler {
		return http.StatusInternalServerError, strings.TrimPrefix(line, "ERR "), true
	}
	return http.StatusOK, "", true
}

// baseParams synthesises the forwarded parameters common to both handlers:
// basic-auth outcome and the always-present turnip-can-authenticate /
// turnip-request-id. advertiseRefs is not used here: the refs handler adds
// turnip-advertise-refs (and both handlers add turnip-stateless-rpc) to the
// returned map itself.
func (s *Server) baseParams(r *http.Request, advertiseRefs bool) (map[string]string, error) {
	params := map[string]string{
		"turnip-can-authenticate": "yes",
		"turnip-request-id":       uuid.NewString(),
	}

	if user, pass, ok := r.BasicAuth(); ok {
		result, err := s.auth.AuthenticateWithPassword(r.Context(), user, pass)
		if err != nil {
			var fault *authclient.Fault
			if errors.As(err, &fault) && (fault.Code == 3 || fault.Code == 410) {
				// Anonymous: treated as if no credentials were sent at all.
			} else {
				return nil, err
			}
		} else {
			params["turnip-authenticated-user"] = result.User
			params["turnip-authenticated-uid"] = strconv.Itoa(result.UID)
		}
	}

	return params, nil
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	var fault *authclient.Fault
	if errors.As(err, &fault) {
		http.Error(w, fault.Message, http.StatusInternalServerError)
		return
	}
	if errors.Is(err, authclient.ErrTimeout) {
		http.Error(w, "authentication timed out", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
