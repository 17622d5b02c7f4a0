package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/sshx"
)

// ErrNoCredentials is returned when a server's stored password decrypts to nothing.
var ErrNoCredentials = errors.New("server credentials unavailable")

// Decrypter recovers plaintext server passwords.
type Decrypter interface {
	Decrypt(payload string) (string, error)
}

// Connector opens connections to servers.
type Connector interface {
	Connect(ctx context.Context, server domain.Server) (*Conn, error)
}

// Conn is an open connection to one server.
type Conn struct {
	Runner    sshx.Runner
	Inspector Inspector
	closers   []func() error
}

// NewConn assembles a Conn from parts. closers run in reverse order on Close.
func NewConn(runner sshx.Runner, inspector Inspector, closers ...func() error) *Conn {
	return &Conn{Runner: runner, Inspector: inspector, closers: closers}
}

// Close releases the connection.
func (c *Conn) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// SSHConnector decrypts credentials and dials over SSH.
type SSHConnector struct {
	vault  Decrypter
	dialer *sshx.Dialer
	useAPI bool
	log    *slog.Logger
}

// NewSSHConnector returns a Connector. With useAPI the Docker SDK is used for
// inspection and the docker CLI is the fallback.
func NewSSHConnector(vault Decrypter, dialer *sshx.Dialer, useAPI bool, log *slog.Logger) *SSHConnector {
	if log == nil {
		log = slog.Default()
	}
	return &SSHConnector{vault: vault, dialer: dialer, useAPI: useAPI, log: log}
}

// Credentials decrypts the stored password of server.
func Credentials(vault Decrypter, server domain.Server) (sshx.Credentials, error) {
	password, err := vault.Decrypt(server.EncryptedPassword)
	if err != nil {
		return sshx.Credentials{}, fmt.Errorf("%w for server %s: %v", ErrNoCredentials, server.Name, err)
	}
	if password == "" {
		return sshx.Credentials{}, fmt.Errorf("%w for server %s", ErrNoCredentials, server.Name)
	}
	return sshx.Credentials{
		Host:     server.Host,
		Port:     server.Port,
		Username: server.Username,
		Password: password,
	}, nil
}

// Connect opens an SSH session to server.
func (c *SSHConnector) Connect(ctx context.Context, server domain.Server) (*Conn, error) {
	creds, err := Credentials(c.vault, server)
	if err != nil {
		return nil, err
	}
	session, err := c.dialer.Dial(ctx, creds)
	if err != nil {
		return nil, err
	}

	shell := NewShellInspector(session)
	if !c.useAPI {
		return NewConn(session, shell, session.Close), nil
	}

	api, err := NewDockerInspector(func(context.Context, string, string) (net.Conn, error) {
		return session.DialUnix(DockerSocket)
	})
	if err != nil {
		c.log.Warn("docker api client unavailable", "server_id", server.ID, "error", err)
		return NewConn(session, shell, session.Close), nil
	}
	inspector := &fallbackInspector{
		primary:   api,
		secondary: shell,
		log:       c.log.With("server_id", server.ID),
	}
	return NewConn(session, inspector, session.Close, api.Close), nil
}
