package mssql

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRoutingRedirects bounds the handshake's routing-redirect loop: at most
// this many total connection attempts are made, so only
// maxRoutingRedirects-1 redirects are ever followed before the connection
// gives up on the next one.
const maxRoutingRedirects = 2

// tdsSession is the per-connection mutable state the handshake driver and
// token decoder share: transport framing, session-state absorbed from
// EnvChange tokens, and the connection's place in the state machine.
type tdsSession struct {
	buf *tdsBuffer
	cfg *Config
	log Logger

	database     string
	partner      string
	tranid       uint64
	routedServer string
	routedPort   uint16

	columns           []columnStruct
	returnStatus      ReturnStatus
	lastSessionState  *sessionState

	state ConnState
}

func (s *tdsSession) logf(flag LogFlags, format string, v ...interface{}) {
	if s.cfg == nil {
		return
	}
	s.cfg.logf(flag, format, v...)
}

// SessionState returns the most recently observed Session state token
// payload, or nil if the server has never sent one (SUPPLEMENT:
// lists SessionState among the recognized tokens; earlier drivers
// never surfaced it to callers).
func (s *tdsSession) SessionState() []byte {
	if s.lastSessionState == nil {
		return nil
	}
	return s.lastSessionState.Data
}

// dialTCP performs the one retried step of the handshake: only the initial TCP dial is retried,
// using a bounded exponential backoff; once bytes are exchanged a
// transport fault propagates immediately rather than silently reconnecting.
func dialTCP(ctx context.Context, cfg *Config) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	var conn net.Conn
	operation := func() error {
		d := net.Dialer{}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, transportFault(err, "dialing %s", addr)
	}
	return conn, nil
}

// Connect drives the connection from Disconnected to Ready, bounded by the
// routing-redirect loop (at most maxRoutingRedirects total connection
// attempts). It owns the TCP dial, the TLS handoff (legacy
// tunneled-in-Prelogin or strict pre-handshake), the Login7 exchange, and
// the token loop until LoginAck or a fatal Error.
func Connect(ctx context.Context, cfg *Config) (*tdsSession, error) {
	current := cfg
	attempts := 0
	for {
		attempts++
		if attempts > maxRoutingRedirects {
			return nil, tooManyRedirectsFault(attempts - 1)
		}
		sess, redirectHost, redirectPort, err := connectOnce(ctx, current)
		if err != nil {
			return nil, err
		}
		if redirectHost == "" {
			return sess, nil
		}
		current = current.withRoutingTarget(redirectHost, redirectPort)
	}
}

func connectOnce(ctx context.Context, cfg *Config) (sess *tdsSession, redirectHost string, redirectPort uint16, err error) {
	conn, err := dialTCP(ctx, cfg)
	if err != nil {
		return nil, "", 0, err
	}
	closeOnErr := func() {
		if err != nil {
			conn.Close()
		}
	}
	defer closeOnErr()

	var transport net.Conn = conn
	strict := cfg.strict()

	if strict {
		transport, err = upgradeTLS(ctx, conn, cfg)
		if err != nil {
			return nil, "", 0, err
		}
	}

	sess = &tdsSession{
		buf:   newTdsBuffer(transport, int(cfg.PacketSize)),
		cfg:   cfg,
		log:   cfg.Logger,
		state: Connecting,
	}

	preloginResp, err := sendPrelogin(sess, cfg, strict)
	if err != nil {
		return nil, "", 0, err
	}
	sess.state = PreloginSent

	negotiated := wireToEncryptionPolicy(preloginResp.Encryption)
	loginOnlyTLS := false
	if !strict && requiresTLS(negotiated) {
		tlsConn, err := tunnelTLSInPrelogin(ctx, sess, conn, cfg)
		if err != nil {
			return nil, "", 0, err
		}
		sess.state = TLSHandshake
		sess.buf = newTdsBuffer(tlsConn, int(cfg.PacketSize))
		loginOnlyTLS = negotiated == EncryptDuringLogin
	}

	if err := sendLogin7(sess, cfg); err != nil {
		return nil, "", 0, err
	}
	sess.state = Login7Sent

	if err := driveLoginTokenLoop(ctx, sess, cfg); err != nil {
		sess.state = Broken
		return nil, "", 0, err
	}
	if loginOnlyTLS {
		// Encryption level "On": TLS protected the login exchange only;
		// every later packet goes over plaintext TCP.
		sess.buf = newTdsBuffer(conn, sess.buf.packetSize)
	}

	if sess.routedServer != "" {
		redirectHost = sess.routedServer
		redirectPort = sess.routedPort
		return sess, redirectHost, redirectPort, nil
	}

	sess.state = Ready
	err = nil
	return sess, "", 0, nil
}

func requiresTLS(level EncryptionPolicy) bool {
	switch level {
	case EncryptDuringLogin, EncryptRequired:
		return true
	default:
		return false
	}
}

func sendPrelogin(sess *tdsSession, cfg *Config, strict bool) (preloginFields, error) {
	nonce := make([]byte, 32)
	fields := preloginFields{
		Version:         [4]byte{7, 4, 0, 0},
		SubBuild:        0,
		Encryption:      encryptionPolicyToWire(cfg.Encryption, strict),
		Instance:        cfg.Instance,
		Mars:            cfg.MARS,
		FedAuthRequired: cfg.FedAuthRequired,
		Nonce:           nonce,
	}
	payload := encodePrelogin(fields)

	sess.buf.BeginPacket(packPrelogin, 0)
	if _, err := sess.buf.Write(payload); err != nil {
		return preloginFields{}, err
	}
	if err := sess.buf.FinishPacket(); err != nil {
		return preloginFields{}, err
	}

	kind, err := sess.buf.BeginRead()
	if err != nil {
		return preloginFields{}, err
	}
	if kind != packReply && kind != packPrelogin {
		return preloginFields{}, protocolFault("unexpected packet kind in prelogin response: %v", kind)
	}
	msg, err := readAll(sess.buf)
	if err != nil {
		return preloginFields{}, err
	}
	return decodePrelogin(msg)
}

func readAll(r *tdsBuffer) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

// tunnelTLSInPrelogin implements legacy step 4: each TLS
// record is wrapped in a TDS PreLogin packet header for the duration of
// the handshake.
func tunnelTLSInPrelogin(ctx context.Context, sess *tdsSession, raw net.Conn, cfg *Config) (net.Conn, error) {
	wrapped := &preloginTLSWrapConn{Conn: raw, buf: sess.buf}
	tlsCfg := buildTLSConfig(cfg)
	tlsConn := tls.Client(wrapped, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, transportFault(err, "TLS handshake (tunneled in prelogin)")
	}
	wrapped.handshakeDone = true
	return tlsConn, nil
}

func upgradeTLS(ctx context.Context, raw net.Conn, cfg *Config) (net.Conn, error) {
	tlsCfg := buildTLSConfig(cfg)
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, transportFault(err, "TLS handshake (strict pre-handshake)")
	}
	return tlsConn, nil
}

func buildTLSConfig(cfg *Config) *tls.Config {
	return &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.TrustServerCertificate,
	}
}

// preloginTLSWrapConn wraps each TLS record read/written during the
// tunneled-in-Prelogin handshake in a TDS PreLogin packet header, per
// step 4.
type preloginTLSWrapConn struct {
	net.Conn
	buf           *tdsBuffer
	handshakeDone bool // once set, TLS records pass straight through to Conn
}

func (c *preloginTLSWrapConn) Read(p []byte) (int, error) {
	if c.handshakeDone {
		return c.Conn.Read(p)
	}
	if c.buf.rasm == nil || c.buf.rasm.done() {
		if _, err := c.buf.BeginRead(); err != nil {
			return 0, err
		}
	}
	return c.buf.Read(p)
}

func (c *preloginTLSWrapConn) Write(p []byte) (int, error) {
	if c.handshakeDone {
		return c.Conn.Write(p)
	}
	c.buf.BeginPacket(packPrelogin, 0)
	if _, err := c.buf.Write(p); err != nil {
		return 0, err
	}
	if err := c.buf.FinishPacket(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func sendLogin7(sess *tdsSession, cfg *Config) error {
	creds := cfg.Credentials
	fields := login7Fields{
		TDSVersion: 0x74000004, // TDS 7.4
		PacketSize: uint32(cfg.PacketSize),
		Hostname:   "",
		AppName:    cfg.ApplicationName,
		ServerName: cfg.Host,
		Database:   cfg.Database,
		ClientPID:  uint32(1),
		ClientLCID: 0x00000409, // en-US
		SQLAuth:    creds.Kind == CredentialSQLServer,
		RequestColumnEncryption: cfg.AlwaysEncrypted != nil,
	}

	switch creds.Kind {
	case CredentialSQLServer:
		fields.Username = creds.Username
		fields.Password = creds.Password
	case CredentialWindowsIntegrated, CredentialWindowsExplicit:
		if creds.SSPI == nil {
			return authFault(nil, "windows authentication requires an SSPIProvider")
		}
		tok, err := creds.SSPI.InitialToken()
		if err != nil {
			return authFault(err, "building initial SSPI token")
		}
		fields.SSPIBlob = tok
	case CredentialAzureADToken:
		fields.RequestFedAuth = true
		fields.FedAuthToken = creds.AzureADToken
	}

	payload := encodeLogin7(fields)
	sess.buf.BeginPacket(packLogin7, 0)
	if _, err := sess.buf.Write(payload); err != nil {
		return err
	}
	return sess.buf.FinishPacket()
}

// driveLoginTokenLoop runs the token loop of step 6 until
// LoginAck or a fatal Error, handling Sspi continuation and recording any
// Routing EnvChange for the caller to act on.
func driveLoginTokenLoop(ctx context.Context, sess *tdsSession, cfg *Config) error {
	tp := startReading(ctx, sess, nil)
	sawLoginAck := false
	for {
		tok, err := tp.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			break
		}
		switch v := tok.(type) {
		case loginAckStruct:
			sawLoginAck = true
		case doneStruct:
			if v.isError() {
				return v.getError()
			}
		case sspiMsg:
			if err := continueSSPI(sess, cfg, v); err != nil {
				return err
			}
		}
	}
	if sess.routedServer != "" {
		return nil
	}
	if sawLoginAck {
		return nil
	}
	return authFault(nil, "login did not complete: no LoginAck received")
}

func continueSSPI(sess *tdsSession, cfg *Config, serverBlob []byte) error {
	sspi := cfg.Credentials.SSPI
	if sspi == nil {
		return authFault(nil, "server requested SSPI continuation but no provider is configured")
	}
	clientBlob, ok, err := sspi.Continue(serverBlob)
	if err != nil {
		return authFault(err, "SSPI continuation failed")
	}
	if !ok {
		return nil
	}
	sess.buf.BeginPacket(packSSPIMessage, 0)
	if _, err := sess.buf.Write(clientBlob); err != nil {
		return err
	}
	return sess.buf.FinishPacket()
}
