package tlsconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"
)

func selfSignedTLSConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return serverCfg, clientCfg
}

func TestDialEstablishesAndRoundTrips(t *testing.T) {
	serverCfg, clientCfg := selfSignedTLSConfig(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	echoed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write(buf)
		close(echoed)
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), 2, clientCfg, 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.Status() != StatusEstablished {
		t.Fatalf("expected Established, got %v", c.Status())
	}

	if _, err := c.WriteSession([]byte("hello")); err != nil {
		t.Fatalf("WriteSession: %v", err)
	}

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive full payload")
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("unexpected echo: %q", buf)
	}
	if c.BytesSent() != 5 || c.BytesRead() != 5 {
		t.Fatalf("byte counters wrong: sent=%d read=%d", c.BytesSent(), c.BytesRead())
	}
}

func TestShutdownTransitionsThroughClosing(t *testing.T) {
	serverCfg, clientCfg := selfSignedTLSConfig(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), 2, clientCfg, 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	c.Shutdown()
	if c.Status() != StatusClosing {
		t.Fatalf("expected Closing after Shutdown, got %v", c.Status())
	}

	if got := c.CheckStatus(); got != StatusClosed {
		t.Fatalf("expected Closed, got %v", got)
	}
	// Idempotent.
	if got := c.CheckStatus(); got != StatusClosed {
		t.Fatalf("expected Closed on second call, got %v", got)
	}
}
