package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func dialStub(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial stub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendCommand(t *testing.T, conn net.Conn, args ...string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if _, err := conn.Write([]byte(b.String())); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func readReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestHelloRejectedWithoutClosingConnection(t *testing.T) {
	s, err := Start(Options{})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer s.Close()

	conn, reader := dialStub(t, s)
	sendCommand(t, conn, "HELLO", "3")
	if reply := readReply(t, reader); !strings.HasPrefix(reply, "-ERR") {
		t.Fatalf("expected error reply to HELLO, got %q", reply)
	}
	sendCommand(t, conn, "PING")
	if reply := readReply(t, reader); reply != "+PONG" {
		t.Fatalf("connection should survive HELLO, got %q", reply)
	}
}

func TestClientCommandAccepted(t *testing.T) {
	s, err := Start(Options{})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer s.Close()

	conn, reader := dialStub(t, s)
	sendCommand(t, conn, "CLIENT", "SETINFO", "lib-name", "go-redis")
	if reply := readReply(t, reader); reply != "+OK" {
		t.Fatalf("expected OK for CLIENT SETINFO, got %q", reply)
	}
}

func TestUnknownCommandKeepsConnectionOpen(t *testing.T) {
	s, err := Start(Options{})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer s.Close()

	conn, reader := dialStub(t, s)
	sendCommand(t, conn, "OBJECT", "ENCODING", "key")
	if reply := readReply(t, reader); !strings.HasPrefix(reply, "-ERR unknown command") {
		t.Fatalf("expected unknown command error, got %q", reply)
	}
	sendCommand(t, conn, "PING")
	if reply := readReply(t, reader); reply != "+PONG" {
		t.Fatalf("connection should stay open after unknown command, got %q", reply)
	}
}
