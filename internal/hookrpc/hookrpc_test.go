package hookrpc

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crohr/turnip-proxy/internal/authclient"
)

func TestNetstringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteNetstring(&buf, []byte(`{"op":"notify_push"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadNetstring(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"op":"notify_push"}` {
		t.Fatalf("round-trip mismatch: %s", got)
	}
}

func TestNetstringRejectsBadLength(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("abc:xyz,"))
	if _, err := ReadNetstring(r); err == nil {
		t.Fatalf("expected error for non-numeric length")
	}
}

func TestNetstringRejectsMissingComma(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("3:abcX"))
	if _, err := ReadNetstring(r); err == nil {
		t.Fatalf("expected error for missing trailing comma")
	}
}

func testAuthServer(t *testing.T) *authclient.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/checkRefPermissions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []authclient.RefPermission{
				{Ref: []byte("refs/heads/main"), Permissions: []string{"push"}},
			},
		})
	})
	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": nil})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return authclient.NewClient(srv.URL+"/", 2*time.Second, true, "turnipd-test")
}

func dialPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverConnCh <- c
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn := <-serverConnCh
	return clientConn, serverConn
}

func TestCheckRefPermissionsOverSocket(t *testing.T) {
	registry := NewRegistry()
	registry.Register("key1", "abc123", authclient.AuthParams{RequestID: "r1"})
	defer registry.Unregister("key1")

	srv := NewServer(registry, testAuthServer(t), slog.Default())

	clientConn, serverConn := dialPair(t)
	defer clientConn.Close()
	go srv.handleConn(serverConn)

	ref := base64.StdEncoding.EncodeToString([]byte("refs/heads/main"))
	req, _ := json.Marshal(map[string]interface{}{
		"op": "check_ref_permissions", "key": "key1", "paths": []string{ref},
	})
	if err := WriteNetstring(clientConn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := ReadNetstring(bufio.NewReader(clientConn))
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var decoded struct {
		Result map[string][]string `json:"result"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	perms, ok := decoded.Result[ref]
	if !ok || len(perms) != 1 || perms[0] != "push" {
		t.Fatalf("unexpected result: %+v", decoded.Result)
	}
}

func TestUnknownOpReturnsError(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, testAuthServer(t), slog.Default())

	clientConn, serverConn := dialPair(t)
	defer clientConn.Close()
	go srv.handleConn(serverConn)

	req, _ := json.Marshal(map[string]interface{}{"op": "bogus"})
	if err := WriteNetstring(clientConn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := ReadNetstring(bufio.NewReader(clientConn))
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Error != "Unknown op: bogus" {
		t.Fatalf("unexpected error: %q", decoded.Error)
	}
}

func TestNonObjectPayloadReturnsError(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, testAuthServer(t), slog.Default())

	clientConn, serverConn := dialPair(t)
	defer clientConn.Close()
	go srv.handleConn(serverConn)

	if err := WriteNetstring(clientConn, []byte(`"just a string"`)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := ReadNetstring(bufio.NewReader(clientConn))
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Error != "Command must be a JSON object" {
		t.Fatalf("unexpected error: %q", decoded.Error)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	registry := NewRegistry()
	registry.Register("key1", "path1", authclient.AuthParams{})
	if _, ok := registry.lookup("key1"); !ok {
		t.Fatalf("expected key1 registered")
	}
	registry.Unregister("key1")
	if _, ok := registry.lookup("key1"); ok {
		t.Fatalf("expected key1 unregistered")
	}
}
