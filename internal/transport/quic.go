package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN protocol id for switch-to-switch quic links.
const quicProtoID = "aseba-switch/1"

// Idle timeout well above the QUIC default of 30s; aseba peers can stay
// silent for long periods.
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

// generateTLSConfig creates a self-signed cert; peers do not verify it.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicProtoID},
	}, nil
}

func newQuicStream(stream quic.Stream, conn quic.Connection, target string) Stream {
	closeFn := func() error {
		err := stream.Close()
		stream.CancelRead(0)
		if cerr := conn.CloseWithError(0, ""); err == nil {
			err = cerr
		}
		return err
	}
	return newConn(stream, target, conn.RemoteAddr().String(), closeFn)
}

// dialQUIC connects and opens the single bidirectional stream used for
// frames. The listening side sees the stream only once the first frame is
// written on it.
func dialQUIC(ctx context.Context, t Target) (Stream, error) {
	addr, err := t.Addr()
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "")
		return nil, err
	}
	return newQuicStream(stream, sess, t.String()), nil
}

type quicAcceptor struct {
	l       *quic.Listener
	newCh   chan Stream
	closeCh chan struct{}
	deadCh  chan struct{} // closed when the listener stops accepting
	err     error         // set before deadCh is closed
}

func listenQUIC(t Target) (acceptor, error) {
	addr, err := t.Addr()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	a := &quicAcceptor{l: l, newCh: make(chan Stream, 8), closeCh: make(chan struct{}), deadCh: make(chan struct{})}
	go a.acceptLoop()
	return a, nil
}

func (a *quicAcceptor) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.closeCh
		cancel()
	}()
	for {
		sess, err := a.l.Accept(ctx)
		if err != nil {
			a.err = fmt.Errorf("quic accept: %w: %v", net.ErrClosed, err)
			close(a.deadCh)
			return
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				_ = sess.CloseWithError(0, "")
				return
			}
			st := newQuicStream(stream, sess, describe(KindQUIC, sess.RemoteAddr()))
			select {
			case a.newCh <- st:
			case <-a.closeCh:
				_ = st.Close()
			}
		}()
	}
}

func (a *quicAcceptor) Accept(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closeCh:
		return nil, errors.New("quic listener closed")
	case <-a.deadCh:
		return nil, a.err
	case st := <-a.newCh:
		return st, nil
	}
}

func (a *quicAcceptor) Addr() net.Addr { return a.l.Addr() }

func (a *quicAcceptor) Close() error {
	select {
	case <-a.closeCh:
		return nil
	default:
		close(a.closeCh)
	}
	return a.l.Close()
}
