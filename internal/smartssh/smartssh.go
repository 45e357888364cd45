// Package smartssh is the SSH frontend: golang.org/x/crypto/ssh standing in
// for the original Twisted `conch`-based server, the idiomatic Go way to
// speak the protocol the corpus otherwise has no library for. Public-key
// authentication is delegated to the authorisation service exactly like
// every other caller-identity decision in this system; once a session is
// established, a single "exec" request carries the whole turnip-extended
// request, which is forwarded to the virt proxy over the same kind of plain
// TCP connection the anonymous frontend and smart HTTP adaptor use.
package smartssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
)

var allowedCommands = map[string]bool{
	"git-upload-pack":         true,
	"git-receive-pack":        true,
	"turnip-set-symbolic-ref": true,
}

// Server is the SSH frontend.
type Server struct {
	virtDSN     string
	auth        *authclient.Client
	hostKeyPath string
	metrics     *metrics.Metrics
	log         *slog.Logger
}

func New(virtAddr string, auth *authclient.Client, hostKeyPath string, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{virtDSN: virtAddr, auth: auth, hostKeyPath: hostKeyPath, metrics: m, log: log}
}

// Serve accepts SSH connections on ln until ctx is cancelled or ln is
// closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	keyBytes, err := os.ReadFile(s.hostKeyPath)
	if err != nil {
		return fmt.Errorf("read ssh host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return fmt.Errorf("parse ssh host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
	}
	config.AddHostKey(signer)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, nc, config)
	}
}

// authenticate forwards the offered public key to the authorisation service
// as-is; a successful reply's user/uid are stashed in Permissions.Extensions
// for the session handler to pick up once the channel opens.
func (s *Server) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := s.auth.AuthenticateWithPublicKey(ctx, key.Type(), key.Marshal())
	if err != nil {
		return nil, fmt.Errorf("public key rejected: %w", err)
	}
	return &ssh.Permissions{
		Extensions: map[string]string{
			"turnip-authenticated-user": result.User,
			"turnip-authenticated-uid":  strconv.Itoa(result.UID),
		},
	}, nil
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn, config *ssh.ServerConfig) {
	defer nc.Close()
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		s.log.Debug("ssh handshake failed", "err", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ctx, channel, requests, sshConn.Permissions)
	}
}

// sessionRequest is the wire layout of an SSH "exec" channel request: a
// single length-prefixed command string.
type sessionRequest struct {
	Command string
}

func (s *Server) handleSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, perms *ssh.Permissions) {
	defer channel.Close()
	env := map[string]string{}

	for req := range requests {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if ssh.Unmarshal(req.Payload, &kv) == nil {
				env[kv.Name] = kv.Value
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "exec":
			var cmd sessionRequest
			if ssh.Unmarshal(req.Payload, &cmd) != nil {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				return
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			s.runExec(ctx, channel, cmd.Command, env, perms)
			return
		case "subsystem":
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ctx context.Context, channel ssh.Channel, line string, env map[string]string, perms *ssh.Permissions) {
	words, err := shellSplit(line)
	if err != nil || len(words) == 0 {
		fmt.Fprint(channel.Stderr(), "ERR Unsupported service.\n")
		return
	}

	command := words[0]
	args := words[1:]
	if command == "git" && len(args) > 0 {
		command = "git-" + args[0]
		args = args[1:]
	}

	if !allowedCommands[command] {
		fmt.Fprint(channel.Stderr(), "ERR Unsupported service.\n")
		return
	}
	if len(args) == 0 {
		fmt.Fprintf(channel.Stderr(), "ERR %s requires an argument.\r\n", command)
		return
	}
	pathname := args[0]

	version := "0"
	if v, ok := env["GIT_PROTOCOL"]; ok {
		if rest, ok := strings.CutPrefix(v, "version="); ok {
			version = rest
		}
	}

	params := map[string]string{
		"turnip-request-id": uuid.NewString(),
		"version":           version,
	}
	if perms != nil {
		params["turnip-authenticated-user"] = perms.Extensions["turnip-authenticated-user"]
		params["turnip-authenticated-uid"] = perms.Extensions["turnip-authenticated-uid"]
	}

	var dialer net.Dialer
	virt, err := dialer.DialContext(ctx, "tcp", s.virtDSN)
	if err != nil {
		s.log.Error("ssh could not dial virt proxy", "err", err)
		fmt.Fprint(channel.Stderr(), "ERR internal error\n")
		return
	}
	defer virt.Close()
	virtR := bufio.NewReader(virt)

	payload, err := pktline.EncodeRequest(command, pathname, params)
	if err != nil {
		fmt.Fprintf(channel.Stderr(), "ERR %s\n", err.Error())
		return
	}
	if err := pktline.WritePacket(virt, payload); err != nil {
		fmt.Fprint(channel.Stderr(), "ERR internal error\n")
		return
	}

	if command == "turnip-set-symbolic-ref" {
		if len(args) < 3 {
			fmt.Fprintf(channel.Stderr(), "ERR %s requires an argument.\r\n", command)
			return
		}
		if err := pktline.WritePacket(virt, []byte(args[1]+" "+args[2])); err != nil {
			return
		}
	}

	s.metrics.RequestsTotal.WithLabelValues(command, "ssh").Inc()
	s.stream(channel, virt, virtR)
}

func (s *Server) stream(channel ssh.Channel, virt net.Conn, virtR *bufio.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(virt, channel)
		if tc, ok := virt.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(channel, virtR)
		_ = channel.CloseWrite()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// shellSplit tokenises an SSH exec command line with minimal POSIX-ish
// quoting support (single quotes, double quotes, backslash escapes outside
// quotes). No shell-word-splitting library appears anywhere in the
// retrieved corpus, so this is a small hand-rolled equivalent of what the
// original's shlex.split call did.
func shellSplit(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	haveWord := false
	inSingle, inDouble := false, false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle, haveWord = true, true
		case c == '"':
			inDouble, haveWord = true, true
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
			haveWord = true
		case c == ' ' || c == '\t':
			if haveWord {
				words = append(words, cur.String())
				cur.Reset()
				haveWord = false
			}
		default:
			cur.WriteByte(c)
			haveWord = true
		}
	}
	if inSingle || inDouble {
		return nil, errors.New("unterminated quote")
	}
	if haveWord {
		words = append(words, cur.String())
	}
	return words, nil
}
