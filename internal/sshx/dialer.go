// Package sshx runs commands on remote servers over SSH. A Session is opened
// per operation and every command passes through cmdguard before it is sent.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrEmptyPassword is returned when credentials carry no password.
var ErrEmptyPassword = errors.New("ssh password is empty")

// Config controls connection and command behaviour.
type Config struct {
	DialTimeout           time.Duration
	CommandTimeout        time.Duration
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
}

// Credentials identify a remote account.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns host:port, defaulting the port to 22.
func (c Credentials) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dialer opens SSH sessions.
type Dialer struct {
	cfg      Config
	hostKeys ssh.HostKeyCallback
	log      *slog.Logger
}

// NewDialer builds a Dialer. A known_hosts file takes precedence over the
// insecure policy; one of the two is required.
func NewDialer(cfg Config, log *slog.Logger) (*Dialer, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	var callback ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsPath != "":
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsPath, err)
		}
		callback = cb
	case cfg.InsecureIgnoreHostKey:
		log.Warn("ssh host key verification disabled")
		callback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("ssh host key policy required: set a known_hosts path or allow insecure host keys")
	}
	return &Dialer{cfg: cfg, hostKeys: callback, log: log}, nil
}

// Dial connects and authenticates. The returned Session must be closed.
func (d *Dialer) Dial(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Password == "" {
		return nil, ErrEmptyPassword
	}
	if creds.Host == "" || creds.Username == "" {
		return nil, errors.New("ssh host and username are required")
	}
	addr := creds.Address()
	clientCfg := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: d.hostKeys,
		Timeout:         d.cfg.DialTimeout,
	}

	client, err := d.connect(ctx, addr, clientCfg)
	observeDial(err)
	if err != nil {
		return nil, &CommandError{Kind: KindTransport, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	d.log.Debug("ssh session opened", "addr", addr, "user", creds.Username)
	return &Session{
		client:  client,
		addr:    addr,
		timeout: d.cfg.CommandTimeout,
		log:     d.log.With("addr", addr),
	}, nil
}

func (d *Dialer) connect(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}
