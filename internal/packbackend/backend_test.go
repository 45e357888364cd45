package packbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/hookrpc"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
	"github.com/crohr/turnip-proxy/internal/repostore"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	requireGit(t)

	store, err := repostore.New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("repostore.New: %v", err)
	}

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": nil})
	}))
	t.Cleanup(authSrv.Close)
	auth := authclient.NewClient(authSrv.URL+"/", 2*time.Second, true, "test")

	srv := New(store, hookrpc.NewRegistry(), "", auth, metrics.New(), slog.Default(), 0, "test")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(context.Background(), ln)

	return srv, ln.Addr().String()
}

func dialBackend(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestUnsupportedCommand(t *testing.T) {
	_, addr := testServer(t)
	conn := dialBackend(t, addr)

	payload, err := pktline.EncodeRequest("turnip-bogus", "/x.git", map[string]string{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := pktline.WritePacket(conn, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	pkt, err := pktline.ReadPacket(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "ERR Unsupported command in request\n"
	if string(pkt.Payload) != want {
		t.Fatalf("expected %q, got %q", want, pkt.Payload)
	}
}

func TestCreateRepoThenSetSymbolicRef(t *testing.T) {
	_, addr := testServer(t)
	conn := dialBackend(t, addr)
	r := bufio.NewReader(conn)

	createPayload, err := pktline.EncodeRequest("turnip-create-repo", "/repo.git", map[string]string{})
	if err != nil {
		t.Fatalf("encode create: %v", err)
	}
	if err := pktline.WritePacket(conn, createPayload); err != nil {
		t.Fatalf("write create: %v", err)
	}
	pkt, err := pktline.ReadPacket(r)
	if err != nil {
		t.Fatalf("read create reply: %v", err)
	}
	if string(pkt.Payload) != "ACK\n" {
		t.Fatalf("expected ACK for create-repo, got %q", pkt.Payload)
	}

	symrefPayload, err := pktline.EncodeRequest("turnip-set-symbolic-ref", "/repo.git", map[string]string{})
	if err != nil {
		t.Fatalf("encode symref: %v", err)
	}
	if err := pktline.WritePacket(conn, symrefPayload); err != nil {
		t.Fatalf("write symref: %v", err)
	}
	if err := pktline.WritePacket(conn, []byte("HEAD refs/heads/main")); err != nil {
		t.Fatalf("write symref arg: %v", err)
	}
	pkt, err = pktline.ReadPacket(r)
	if err != nil {
		t.Fatalf("read symref reply: %v", err)
	}
	if string(pkt.Payload) != "ACK HEAD\n" {
		t.Fatalf("expected ACK HEAD, got %q", pkt.Payload)
	}
}

func TestSetSymbolicRefRejectsNonHead(t *testing.T) {
	_, addr := testServer(t)
	conn := dialBackend(t, addr)
	r := bufio.NewReader(conn)

	createPayload, _ := pktline.EncodeRequest("turnip-create-repo", "/repo2.git", map[string]string{})
	_ = pktline.WritePacket(conn, createPayload)
	if _, err := pktline.ReadPacket(r); err != nil {
		t.Fatalf("read create reply: %v", err)
	}

	symrefPayload, _ := pktline.EncodeRequest("turnip-set-symbolic-ref", "/repo2.git", map[string]string{})
	_ = pktline.WritePacket(conn, symrefPayload)
	_ = pktline.WritePacket(conn, []byte("NOTHEAD refs/heads/main"))

	pkt, err := pktline.ReadPacket(r)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	want := "ERR only HEAD may be set as a symbolic ref\n"
	if string(pkt.Payload) != want {
		t.Fatalf("expected %q, got %q", want, pkt.Payload)
	}
}

func TestPackCommandAdvertisesRefs(t *testing.T) {
	_, addr := testServer(t)
	conn := dialBackend(t, addr)
	r := bufio.NewReader(conn)

	createPayload, _ := pktline.EncodeRequest("turnip-create-repo", "/repo3.git", map[string]string{})
	_ = pktline.WritePacket(conn, createPayload)
	if pkt, err := pktline.ReadPacket(r); err != nil || string(pkt.Payload) != "ACK\n" {
		t.Fatalf("create repo failed: %v %q", err, pkt.Payload)
	}

	conn2 := dialBackend(t, addr)
	r2 := bufio.NewReader(conn2)
	payload, err := pktline.EncodeRequest("git-upload-pack", "/repo3.git", map[string]string{"turnip-advertise-refs": "yes"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := pktline.WritePacket(conn2, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn2.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	// An empty bare repo's upload-pack --advertise-refs still emits at
	// least a capabilities/flush packet rather than erroring; just confirm
	// we get a decodable packet back without an ERR line.
	pkt, err := pktline.ReadPacket(r2)
	if err != nil {
		t.Fatalf("read advertise-refs reply: %v", err)
	}
	if pkt.Kind == pktline.KindData {
		line := string(pkt.Payload)
		if len(line) >= 3 && line[:3] == "ERR" {
			t.Fatalf("unexpected error advertising refs: %q", line)
		}
	}
}
