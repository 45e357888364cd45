package packfrontend

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/crohr/turnip-proxy/internal/metrics"
	"github.com/crohr/turnip-proxy/internal/pktline"
)

// fakeVirt accepts one connection, reads one request line, and writes back
// reply.
func fakeVirt(t *testing.T, reply []byte) string {
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
		_ = pktline.WritePacket(conn, reply)
	}()

	return ln.Addr().String()
}

func dialFrontend(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(context.Background(), ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleConnRejectsUnsafeParams(t *testing.T) {
	virtAddr := fakeVirt(t, nil)
	srv := New(virtAddr, metrics.New(), slog.Default())
	conn := dialFrontend(t, srv)

	payload, err := pktline.EncodeRequest("git-upload-pack", "/foo.git", map[string]string{"turnip-authenticated-user": "bob"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := pktline.WritePacket(conn, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := pktline.ReadPacket(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	want := "ERR Illegal request parameters\n"
	if string(pkt.Payload) != want {
		t.Fatalf("expected %q, got %q", want, pkt.Payload)
	}
}

func TestHandleConnAllowsSafeParamsAndForwards(t *testing.T) {
	virtAddr := fakeVirt(t, []byte("ACK\n"))
	srv := New(virtAddr, metrics.New(), slog.Default())
	conn := dialFrontend(t, srv)

	payload, err := pktline.EncodeRequest("git-upload-pack", "/foo.git", map[string]string{"host": "example.com"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := pktline.WritePacket(conn, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := pktline.ReadPacket(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(pkt.Payload) != "ACK\n" {
		t.Fatalf("unexpected reply: %q", pkt.Payload)
	}
}

func TestRelayFirstPacketStripsVirtErrorPrefix(t *testing.T) {
	virtSrv, virtClient := net.Pipe()
	defer virtSrv.Close()
	defer virtClient.Close()
	outSrv, outClient := net.Pipe()
	defer outSrv.Close()
	defer outClient.Close()

	go func() {
		_ = pktline.WritePacket(virtSrv, []byte("ERR turnip virt error: NOT_FOUND Repository does not exist.\n"))
	}()

	srv := New("unused", metrics.New(), slog.Default())
	virtR := bufio.NewReader(virtClient)
	go srv.relayFirstPacket(outSrv, virtR)

	outClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := pktline.ReadPacket(bufio.NewReader(outClient))
	if err != nil {
		t.Fatalf("read relayed packet: %v", err)
	}
	want := "ERR Repository does not exist.\n"
	if string(pkt.Payload) != want {
		t.Fatalf("expected %q, got %q", want, pkt.Payload)
	}
}
