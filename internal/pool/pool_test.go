package pool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/code2u/trojan-go/internal/connid"
	"github.com/code2u/trojan-go/internal/resolver"
	"github.com/code2u/trojan-go/internal/tlsconn"
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

	certPool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	certPool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: certPool, ServerName: "127.0.0.1"}
	return serverCfg, clientCfg
}

// startDiscardRelay listens on 127.0.0.1 and accepts any number of TLS
// connections, discarding whatever they send, standing in for the
// relay during pool fill tests.
func startDiscardRelay(t *testing.T, serverCfg *tls.Config) (host string, port uint16, closeFn func()) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 512)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port), func() { ln.Close() }
}

func TestPoolFillsToPoolSizePlusOne(t *testing.T) {
	serverCfg, clientCfg := selfSignedTLSConfig(t)
	_, port, closeFn := startDiscardRelay(t, serverCfg)
	defer closeFn()

	res := resolver.New(2 * time.Second)
	alloc := connid.NewAllocator()

	p := New(Config{
		Hostname:  "relay.test",
		Port:      port,
		PoolSize:  2,
		TLSConfig: clientCfg,
	}, res, alloc)

	p.Resolve(netip.MustParseAddr("127.0.0.1"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.Start(ctx)

	deadline := time.After(2 * time.Second)
	got := make([]*tlsconn.TlsConn, 0, 3)
	for len(got) < 3 {
		select {
		case <-deadline:
			t.Fatalf("pool did not fill in time, have %d of 3", len(got))
		default:
		}
		c, ok := p.Get()
		if ok {
			got = append(got, c)
			continue
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, c := range got {
		c.Close()
	}
}
