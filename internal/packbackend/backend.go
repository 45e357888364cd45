// Package packbackend is the innermost stage of the three-stage proxy
// pipeline: it owns the filesystem-backed bare repositories and spawns the
// real git process that does the actual pack work. It trusts its caller (the
// virt proxy) to have already translated the path and decided whether the
// write is allowed; packbackend's own job is strictly mechanical: parse the
// extended request line, dispatch it, and shuttle bytes between the network
// connection and the spawned child.
//
// Grounded on the teacher's internal/gitproxy (request dispatch, structured
// logging, metrics labels) and internal/gitserve (exec.CommandContext +
// StdoutPipe/StderrPipe streaming), generalised from HTTP request/response to
// a raw TCP connection speaking pkt-line framing end to end.
package packbackend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/hookrpc"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
	"github.com/crohr/turnip-proxy/internal/repostore"
)

// state names the stages a connection moves through. Exactly one state is
// active at a time; there is only ever one event in flight per connection,
// so no locking is needed inside a handler.
type state int

const (
	stateAwaitingRequest state = iota
	stateAwaitingSymrefArg
	stateProxying
	stateDraining
	stateClosed
)

// Server owns everything a backend connection handler needs: where
// repositories live, how to reach the hook RPC registry new writes register
// themselves in, and where to report resource usage.
type Server struct {
	store       *repostore.Store
	hookReg     *hookrpc.Registry
	hookSock    string
	auth        *authclient.Client
	metrics     *metrics.Metrics
	log         *slog.Logger
	threads     int
	environment string
}

func New(store *repostore.Store, hookReg *hookrpc.Registry, hookSock string, auth *authclient.Client, m *metrics.Metrics, log *slog.Logger, uploadPackThreads int, environment string) *Server {
	return &Server{
		store:       store,
		hookReg:     hookReg,
		hookSock:    hookSock,
		auth:        auth,
		metrics:     m,
		log:         log,
		threads:     uploadPackThreads,
		environment: environment,
	}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
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

// conn bundles per-connection state. A single connection may carry several
// requests back to back (turnip-create-repo followed by the real push, for
// instance), so the state machine resets to stateAwaitingRequest after
// handling anything that is not a pack command.
type conn struct {
	net.Conn
	r     *bufio.Reader
	state state
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	c := &conn{Conn: nc, r: bufio.NewReader(nc), state: stateAwaitingRequest}

	for c.state != stateClosed {
		switch c.state {
		case stateAwaitingRequest:
			s.awaitRequest(ctx, c)
		default:
			// Any state a handler leaves the machine in other than
			// stateAwaitingRequest or stateClosed is a bug; treat it as fatal.
			s.log.Error("backend connection left in unexpected state", "state", c.state)
			c.state = stateClosed
		}
	}
}

func (s *Server) awaitRequest(ctx context.Context, c *conn) {
	pkt, err := pktline.ReadPacket(c.r)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug("backend read request failed", "err", err)
		}
		c.state = stateClosed
		return
	}
	if pkt.Kind != pktline.KindData {
		c.state = stateClosed
		return
	}

	req, err := pktline.DecodeRequest(pkt.Payload)
	if err != nil {
		s.writeErr(c, "invalid request: "+err.Error())
		c.state = stateClosed
		return
	}

	switch req.Command {
	case "turnip-create-repo":
		s.metrics.RequestsTotal.WithLabelValues(req.Command, "backend").Inc()
		s.handleCreateRepo(ctx, c, req)
		c.state = stateAwaitingRequest
	case "turnip-set-symbolic-ref":
		s.metrics.RequestsTotal.WithLabelValues(req.Command, "backend").Inc()
		s.handleSetSymbolicRef(ctx, c, req)
		c.state = stateAwaitingRequest
	case "git-upload-pack", "git-receive-pack":
		s.metrics.RequestsTotal.WithLabelValues(req.Command, "backend").Inc()
		s.handlePackCommand(ctx, c, req)
		c.state = stateClosed
	default:
		s.writeErr(c, "Unsupported command in request")
		c.state = stateClosed
	}
}

func (s *Server) writeErr(c *conn, msg string) {
	_ = pktline.WritePacket(c, []byte("ERR "+msg+"\n"))
}

// handleCreateRepo implements turnip-create-repo: init a bare repo (lazily
// cloned from the params' clone-from path, if any), confirm or abort the
// creation with the authorisation service depending on outcome, and roll the
// directory back on any failure so a half-created repo never lingers. A
// repository that already existed before this request is never deleted.
func (s *Server) handleCreateRepo(ctx context.Context, c *conn, req pktline.Request) {
	fullPath, err := s.store.Path(req.Pathname)
	if err != nil {
		s.writeErr(c, err.Error())
		return
	}

	auth := authParamsFromRequest(req)
	var opts repostore.InitOptions
	if cloneFrom := req.Params["clone-from"]; cloneFrom != "" {
		if opts.CloneFrom, err = s.store.Path(cloneFrom); err != nil {
			s.writeErr(c, err.Error())
			return
		}
	}

	initErr := s.store.Init(ctx, fullPath, opts)
	if initErr != nil && !errors.Is(initErr, repostore.ErrAlreadyExists) {
		err := initErr
		s.log.Error("repo create failed", "path", req.Pathname, "err", err)
		s.metrics.RepoInits.WithLabelValues("failed").Inc()
		_ = s.auth.AbortRepoCreation(ctx, req.Pathname, auth)
		s.writeErr(c, "repository creation failed")
		return
	}

	if err := s.auth.ConfirmRepoCreation(ctx, req.Pathname, auth); err != nil {
		s.log.Error("confirm repo creation failed", "path", req.Pathname, "err", err)
		s.metrics.RepoInits.WithLabelValues("aborted").Inc()
		_ = s.auth.AbortRepoCreation(ctx, req.Pathname, auth)
		if initErr == nil {
			_ = s.store.Delete(fullPath)
		}
		s.writeErr(c, "repository creation could not be confirmed")
		return
	}

	s.metrics.RepoInits.WithLabelValues("ok").Inc()
	_ = pktline.WritePacket(c, []byte("ACK\n"))
}

// handleSetSymbolicRef implements turnip-set-symbolic-ref: the request line
// is followed by exactly one more packet, "<name> SP <target>", almost
// always "HEAD <refs/heads/...>". It moves the connection to
// stateAwaitingSymrefArg only conceptually; in practice the second packet is
// read inline here since nothing else can happen on the connection while
// we're waiting for it.
func (s *Server) handleSetSymbolicRef(ctx context.Context, c *conn, req pktline.Request) {
	c.state = stateAwaitingSymrefArg
	pkt, err := pktline.ReadPacket(c.r)
	if err != nil {
		s.writeErr(c, "missing symbolic-ref argument")
		return
	}
	if pkt.Kind != pktline.KindData {
		s.writeErr(c, "missing symbolic-ref argument")
		return
	}

	line := string(pkt.Payload)
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		s.writeErr(c, "malformed symbolic-ref argument")
		return
	}
	name, target := line[:sp], strings.TrimSuffix(line[sp+1:], "\n")
	if name != "HEAD" {
		s.writeErr(c, "only HEAD may be set as a symbolic ref")
		return
	}
	if strings.HasPrefix(target, "-") {
		s.writeErr(c, `Symbolic ref target may not start with "-"`)
		return
	}
	if target == "" || strings.ContainsAny(target, " \t\x00") {
		s.writeErr(c, "invalid symbolic-ref target")
		return
	}

	fullPath, err := s.store.Path(req.Pathname)
	if err != nil {
		s.writeErr(c, err.Error())
		return
	}

	cmd := exec.CommandContext(ctx, "git", "-C", fullPath, "symbolic-ref", "HEAD", target)
	if out, err := cmd.CombinedOutput(); err != nil {
		s.log.Error("symbolic-ref failed", "path", req.Pathname, "target", target, "err", err, "output", string(out))
		s.writeErr(c, "could not set HEAD")
		return
	}

	if err := s.auth.Notify(ctx, req.Pathname); err != nil {
		s.log.Warn("notify after symbolic-ref failed", "path", req.Pathname, "err", err)
	}

	_ = pktline.WritePacket(c, []byte("ACK HEAD\n"))
}

// handlePackCommand runs git-upload-pack or git-receive-pack against the
// translated path, shuttling the connection's remaining bytes to and from
// the spawned process and synthesising an ERR line if the child exits
// non-zero without having produced any output (so the client sees why the
// request failed rather than just an unexplained EOF).
func (s *Server) handlePackCommand(ctx context.Context, c *conn, req pktline.Request) {
	fullPath, err := s.store.Path(req.Pathname)
	if err != nil {
		s.writeErr(c, err.Error())
		return
	}

	isV2 := req.Params["version"] == "2"

	args := []string{strings.TrimPrefix(req.Command, "git-")}
	if req.Params["turnip-stateless-rpc"] != "" {
		args = append(args, "--stateless-rpc")
	}
	if req.Params["turnip-advertise-refs"] == "yes" && !isV2 {
		args = append(args, "--advertise-refs")
	}
	if req.Command == "git-upload-pack" && s.threads > 0 {
		args = append(args, fmt.Sprintf("--threads=%d", s.threads))
	}
	args = append(args, fullPath)

	var extraEnv []string
	if v, ok := req.Params["version"]; ok {
		extraEnv = append(extraEnv, "GIT_PROTOCOL=version="+v)
	}

	var key string
	if req.Command == "git-receive-pack" {
		if err := s.store.EnsureConfig(fullPath); err != nil {
			s.log.Error("ensure config failed", "path", req.Pathname, "err", err)
			s.writeErr(c, "internal error")
			return
		}
		if err := s.store.EnsureHooks(fullPath); err != nil {
			s.log.Error("ensure hooks failed", "path", req.Pathname, "err", err)
			s.writeErr(c, "internal error")
			return
		}
		key = uuid.NewString()
		s.hookReg.Register(key, fullPath, authParamsFromRequest(req))
		defer s.hookReg.Unregister(key)
		extraEnv = append(extraEnv,
			"TURNIP_HOOK_RPC_SOCK="+s.hookSock,
			"TURNIP_HOOK_RPC_KEY="+key,
		)
	}

	cmd := gitCommand(ctx, args, "", extraEnv)
	cmd.Stdin = c.r

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.writeErr(c, "internal error")
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.writeErr(c, "internal error")
		return
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.log.Error("spawn git failed", "command", req.Command, "path", req.Pathname, "err", err)
		s.writeErr(c, "could not start backend process")
		return
	}

	c.state = stateProxying

	var stderrBuf strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(&stderrBuf, stderr)
	}()

	wroteOutput := false
	buf := make([]byte, 32*1024)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			wroteOutput = true
			if _, werr := c.Write(buf[:n]); werr != nil {
				break
			}
		}
		if readErr != nil {
			break
		}
	}
	<-stderrDone

	c.state = stateDraining
	result := waitWithUsage(cmd, start)

	if result.Usage != nil {
		s.metrics.GitChildDuration.WithLabelValues(req.Command).Observe(result.Usage.ClockTime)
		s.metrics.GitChildMaxRSS.WithLabelValues(req.Command).Observe(float64(result.Usage.MaxRSS) * 1024)
	}

	if result.ExitCode != 0 {
		s.metrics.ResponsesTotal.WithLabelValues(req.Command, "error").Inc()
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" {
			msg = fmt.Sprintf("backend exited %d", result.ExitCode)
		}
		// Only worth sending an ERR line if the protocol hasn't already
		// delivered a result the client is busy parsing as pack data.
		if !wroteOutput {
			s.writeErr(c, msg)
		}
		s.log.Warn("git child exited non-zero", "command", req.Command, "path", req.Pathname, "exit_code", result.ExitCode, "stderr", msg)
		return
	}

	s.metrics.ResponsesTotal.WithLabelValues(req.Command, "ok").Inc()
	if req.Command == "git-receive-pack" {
		s.store.ScheduleMaintain(fullPath, false)
	}
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
