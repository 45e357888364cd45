// Package hookrpc implements the local netstring-framed JSON RPC socket
// that spawned git hook processes call into to check ref permissions and
// report pushes, per spec.md §4.3.
package hookrpc

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/hashicorp/go-set/v3"
)

// Server accepts connections on a UNIX domain socket and serves the three
// well-known ops against a shared Registry.
type Server struct {
	registry *Registry
	auth     *authclient.Client
	log      *slog.Logger
}

func NewServer(registry *Registry, auth *authclient.Client, log *slog.Logger) *Server {
	return &Server{registry: registry, auth: auth, log: log}
}

// Serve accepts connections on ln until it is closed or ctx is cancelled.
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
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		payload, err := ReadNetstring(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("hookrpc connection closed", "err", err)
			}
			return
		}

		reply := s.handleCommand(payload)
		blob, err := json.Marshal(reply)
		if err != nil {
			s.log.Error("hookrpc marshal reply failed", "err", err)
			return
		}
		if err := WriteNetstring(conn, blob); err != nil {
			s.log.Debug("hookrpc write failed", "err", err)
			return
		}
	}
}

func (s *Server) handleCommand(payload []byte) map[string]interface{} {
	var cmd map[string]json.RawMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errorReply("Command must be a JSON object")
	}

	opRaw, ok := cmd["op"]
	if !ok {
		return errorReply("No op specified")
	}
	var op string
	if err := json.Unmarshal(opRaw, &op); err != nil {
		return errorReply("No op specified")
	}

	switch op {
	case "check_ref_permissions":
		return s.checkRefPermissions(cmd)
	case "notify_push":
		return s.notifyPush(cmd)
	case "get_mp_url":
		return s.getMPURL(cmd)
	default:
		return errorReply("Unknown op: " + op)
	}
}

func errorReply(msg string) map[string]interface{} {
	return map[string]interface{}{"error": msg}
}

func resultReply(v interface{}) map[string]interface{} {
	return map[string]interface{}{"result": v}
}

type checkRefPermissionsArgs struct {
	Key   string   `json:"key"`
	Paths []string `json:"paths"` // base64-encoded refs
}

func (s *Server) checkRefPermissions(cmd map[string]json.RawMessage) map[string]interface{} {
	var args checkRefPermissionsArgs
	if err := unmarshalArgs(cmd, &args); err != nil {
		return errorReply(err.Error())
	}
	reg, ok := s.registry.lookup(args.Key)
	if !ok {
		return errorReply("unknown key")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.cache == nil {
		reg.cache = make(map[string]*set.Set[string])
	}

	result := make(map[string][]string, len(args.Paths))
	var toFetch []string
	for _, b64ref := range args.Paths {
		if perms, ok := reg.cache[b64ref]; ok {
			result[b64ref] = perms.Slice()
			continue
		}
		toFetch = append(toFetch, b64ref)
	}

	if len(toFetch) > 0 {
		rawRefs := make([][]byte, len(toFetch))
		for i, b64ref := range toFetch {
			raw, err := base64.StdEncoding.DecodeString(b64ref)
			if err != nil {
				return errorReply("invalid base64 ref: " + b64ref)
			}
			rawRefs[i] = raw
		}
		perms, err := s.auth.CheckRefPermissions(context.Background(), reg.Path, rawRefs, reg.AuthParams)
		if err != nil {
			return errorReply(err.Error())
		}
		for _, p := range perms {
			b64ref := base64.StdEncoding.EncodeToString(p.Ref)
			tokens := set.From(p.Permissions)
			reg.cache[b64ref] = tokens
			result[b64ref] = tokens.Slice()
		}
		// Refs the authorisation service didn't mention have no permissions.
		for _, b64ref := range toFetch {
			if _, ok := result[b64ref]; !ok {
				empty := set.From([]string{})
				reg.cache[b64ref] = empty
				result[b64ref] = empty.Slice()
			}
		}
	}

	return resultReply(result)
}

type notifyPushArgs struct {
	Key             string `json:"key"`
	LooseObjectCount int   `json:"loose_object_count"`
	PackCount        int   `json:"pack_count"`
}

func (s *Server) notifyPush(cmd map[string]json.RawMessage) map[string]interface{} {
	var args notifyPushArgs
	if err := unmarshalArgs(cmd, &args); err != nil {
		return errorReply(err.Error())
	}
	reg, ok := s.registry.lookup(args.Key)
	if !ok {
		return errorReply("unknown key")
	}
	if err := s.auth.Notify(context.Background(), reg.Path); err != nil {
		return errorReply(err.Error())
	}
	return resultReply(nil)
}

type getMPURLArgs struct {
	Key    string `json:"key"`
	Branch string `json:"branch"`
}

func (s *Server) getMPURL(cmd map[string]json.RawMessage) map[string]interface{} {
	var args getMPURLArgs
	if err := unmarshalArgs(cmd, &args); err != nil {
		return errorReply(err.Error())
	}
	reg, ok := s.registry.lookup(args.Key)
	if !ok {
		return errorReply("unknown key")
	}
	url, err := s.auth.GetMergeProposalURL(context.Background(), reg.Path, args.Branch, reg.AuthParams)
	if err != nil {
		return errorReply(err.Error())
	}
	if url == "" {
		return resultReply(nil)
	}
	return resultReply(url)
}

func unmarshalArgs(cmd map[string]json.RawMessage, out interface{}) error {
	blob, err := json.Marshal(cmd)
	if err != nil {
		return errors.New("invalid arguments")
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return errors.New("invalid arguments")
	}
	return nil
}
