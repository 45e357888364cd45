package smarthttp

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crohr/turnip-proxy/internal/authclient"
	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
)

func TestMapErrorPacketTable(t *testing.T) {
	cases := []struct {
		name          string
		line          string
		isRefsHandler bool
		wantStatus    int
		wantHandled   bool
	}{
		{"not found", "ERR turnip virt error: NOT_FOUND nope", false, http.StatusNotFound, true},
		{"forbidden", "ERR turnip virt error: FORBIDDEN nope", false, http.StatusForbidden, true},
		{"unauthorized", "ERR turnip virt error: UNAUTHORIZED nope", false, http.StatusUnauthorized, true},
		{"internal", "ERR turnip virt error: INTERNAL_SERVER_ERROR boom", false, http.StatusInternalServerError, true},
		{"read only", "ERR Repository is read-only", false, http.StatusForbidden, true},
		{"unrecognised on refs handler", "ERR something else failed", true, http.StatusInternalServerError, true},
		{"unrecognised on command handler", "ERR something else failed", false, http.StatusOK, true},
		{"not an error line", "0032want", false, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pkt := pktline.Result{Kind: pktline.KindData, Payload: []byte(c.line + "\n")}
			status, _, handled := mapErrorPacket(pkt, c.isRefsHandler)
			if handled != c.wantHandled {
				t.Fatalf("handled = %v, want %v", handled, c.wantHandled)
			}
			if handled && status != c.wantStatus {
				t.Fatalf("status = %d, want %d", status, c.wantStatus)
			}
		})
	}
}

func TestMapErrorPacketIgnoresFlush(t *testing.T) {
	_, _, handled := mapErrorPacket(pktline.Result{Kind: pktline.KindFlush}, false)
	if handled {
		t.Fatalf("flush packet should never be handled as an error")
	}
}

func fakeVirt(t *testing.T, refsReply []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := pktline.ReadPacket(r); err != nil {
			return
		}
		_ = pktline.WritePacket(conn, refsReply)
		_ = pktline.WritePacket(conn, nil)
	}()

	return ln.Addr().String()
}

func TestHandleInfoRefsServesUploadPackAdvertisement(t *testing.T) {
	virtAddr := fakeVirt(t, []byte("001e# service=git-upload-pack\n"))
	auth := authclient.NewClient("http://unused/", time.Second, true, "test")
	srv := New(virtAddr, auth, "2.43.0", "dev", metrics.New(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/foo.git/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, w.Body.String())
	}
	if resp.Header.Get("Content-Type") != "application/x-git-upload-pack-advertisement" {
		t.Fatalf("unexpected content type: %s", resp.Header.Get("Content-Type"))
	}
}

func TestHandleInfoRefsRejectsUnknownService(t *testing.T) {
	auth := authclient.NewClient("http://unused/", time.Second, true, "test")
	srv := New("127.0.0.1:1", auth, "2.43.0", "dev", metrics.New(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/foo.git/info/refs?service=not-git", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestHandleInfoRefsRejectsMissingService(t *testing.T) {
	auth := authclient.NewClient("http://unused/", time.Second, true, "test")
	srv := New("127.0.0.1:1", auth, "2.43.0", "dev", metrics.New(), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/foo.git/info/refs", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestWriteV2CapabilitiesIncludesAgent(t *testing.T) {
	w := httptest.NewRecorder()
	writeV2Capabilities(w, "2.43.0", "1.2.3")

	body := w.Body.Bytes()
	found := false
	for len(body) > 0 {
		pkt, rest, err := pktline.Decode(body)
		if err != nil || pkt.Kind == pktline.KindIncomplete {
			break
		}
		if pkt.Kind == pktline.KindData && string(pkt.Payload) == "agent=git/2.43.0@turnip/1.2.3\n" {
			found = true
		}
		body = rest
		if pkt.Kind == pktline.KindFlush {
			break
		}
	}
	if !found {
		t.Fatalf("expected agent capability line in body: %q", w.Body.String())
	}
}
