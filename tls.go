//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package connpipe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine to create a new client [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSServerEngine is the engine to create a new server [TLSConn].
type TLSServerEngine interface {
	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn
}

// TLSEngineStdlib implements [TLSEngine] and [TLSServerEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var (
	_ TLSEngine       = TLSEngineStdlib{}
	_ TLSServerEngine = TLSEngineStdlib{}
)

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSServerEngine].
//
// This function uses [tls.Server] to build a new [*tls.Conn].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// PropertyTLSConnectionState is the [Items] key holding the
// [tls.ConnectionState] recorded by [*TLSStage].
const PropertyTLSConnectionState = "tlsConnectionState"

// NegotiatedProtocol returns the ALPN protocol recorded in the [Items] of
// conn by [*TLSStage], or an empty string.
func NegotiatedProtocol(conn Conn) string {
	value, _ := conn.Items().Get(PropertyNegotiatedProtocol)
	alpn, _ := value.(string)
	return alpn
}

// NewTLSClientStage returns a new client-side [*TLSStage] using the given [*tls.Config].
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The tlsConfig argument is the TLS configuration to use.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTLSClientStage(cfg *Config, tlsConfig *tls.Config, logger SLogger) *TLSStage {
	runtimex.Assert(tlsConfig != nil)
	return &TLSStage{
		Config:        tlsConfig,
		Engine:        TLSEngineStdlib{},
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		ServerEngine:  TLSEngineStdlib{},
		ServerSide:    false,
		TimeNow:       cfg.TimeNow,
	}
}

// NewTLSServerStage returns a new server-side [*TLSStage] using the given [*tls.Config].
//
// The arguments have the same meaning as in [NewTLSClientStage].
func NewTLSServerStage(cfg *Config, tlsConfig *tls.Config, logger SLogger) *TLSStage {
	stage := NewTLSClientStage(cfg, tlsConfig, logger)
	stage.ServerSide = true
	return stage
}

// TLSStage is a [Stage] performing a TLS handshake over the connection and
// passing next a [Conn] whose byte stream is the TLS record layer.
//
// On success, the negotiated ALPN protocol is stored in [Items] under
// [PropertyNegotiatedProtocol] and the connection state under
// [PropertyTLSConnectionState]. On failure, the connection is closed and
// the handshake error is returned, so that [*ConnectBridge.Connect] fails.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with handler invocations.
type TLSStage struct {
	// Config contains the [*tls.Config] configuration to use.
	//
	// Set by the constructor to the user-provided [*tls.Config] pointer.
	Config *tls.Config

	// Engine is the [TLSEngine] to use to handshake as a client.
	//
	// Set by the constructor to [TLSEngineStdlib].
	Engine TLSEngine

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by the constructor from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by the constructor to the user-provided logger.
	Logger SLogger

	// ServerEngine is the [TLSServerEngine] to use to handshake as a server.
	//
	// Set by the constructor to [TLSEngineStdlib].
	ServerEngine TLSServerEngine

	// ServerSide selects the server role.
	//
	// Set to true by [NewTLSServerStage] and to false by [NewTLSClientStage].
	ServerSide bool

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by the constructor from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Stage = (&TLSStage{}).Wrap

// Wrap implements [Stage].
func (op *TLSStage) Wrap(next Handler) Handler {
	return func(ctx context.Context, conn Conn) error {
		tconn, err := op.Handshake(ctx, conn)
		if err != nil {
			return err
		}
		return next(ctx, WithStream(conn, tconn))
	}
}

// Handshake performs the TLS handshake over conn and records the result in its [Items].
func (op *TLSStage) Handshake(ctx context.Context, conn Conn) (TLSConn, error) {
	config := op.tlsConfig()
	tconn, engineName, parrot := op.newTLSConn(conn, config)
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	op.logHandshakeStart(conn, engineName, parrot, t0, deadline, config)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	op.logHandshakeDone(conn, engineName, parrot, t0, deadline, config, err, state)
	if err != nil {
		tconn.Close()
		return nil, err
	}
	conn.Items().Set(PropertyNegotiatedProtocol, state.NegotiatedProtocol)
	conn.Items().Set(PropertyTLSConnectionState, state)
	return tconn, nil
}

func (op *TLSStage) newTLSConn(conn net.Conn, config *tls.Config) (TLSConn, string, string) {
	if op.ServerSide {
		return op.ServerEngine.Server(conn, config), op.Engine.Name(), ""
	}
	return op.Engine.Client(conn, config), op.Engine.Name(), op.Engine.Parrot()
}

func (op *TLSStage) tlsConfig() *tls.Config {
	runtimex.Assert(op.Config != nil)
	config := op.Config.Clone()
	config.Time = op.TimeNow
	return config
}

func (op *TLSStage) logHandshakeStart(conn Conn, engineName, parrot string,
	t0 time.Time, deadline time.Time, config *tls.Config) {
	op.Logger.Info(
		"tlsHandshakeStart",
		slog.String("connID", conn.ID()),
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
		slog.String("tlsEngineName", engineName),
		slog.String("tlsParrot", parrot),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.Bool("tlsServerSide", op.ServerSide),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
	)
}

func (op *TLSStage) logHandshakeDone(conn Conn, engineName, parrot string, t0 time.Time,
	deadline time.Time, config *tls.Config, err error, state tls.ConnectionState) {
	op.Logger.Info(
		"tlsHandshakeDone",
		slog.String("connID", conn.ID()),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", engineName),
		slog.String("tlsParrot", parrot),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.Any("tlsPeerCerts", peerCerts(state, err)),
		slog.Bool("tlsServerSide", op.ServerSide),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

// peerCerts returns the raw peer certificates, preferring the one
// carried by a certificate verification error.
func peerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
