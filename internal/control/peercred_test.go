//go:build linux || darwin

package control

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
)

func TestVerifyPeerSameUser(t *testing.T) {
	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "ctl"))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("unix", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	conn, ok := <-accepted
	if !ok {
		t.Fatal("Accept() failed")
	}
	defer conn.Close()

	if err := verifyPeer(conn); err != nil {
		t.Errorf("verifyPeer() error: %v", err)
	}
}

func TestVerifyPeerRejectsNonUnix(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := verifyPeer(a)
	if err == nil || !strings.Contains(err.Error(), "not a Unix socket") {
		t.Errorf("verifyPeer() error = %v, want non-Unix rejection", err)
	}
}
