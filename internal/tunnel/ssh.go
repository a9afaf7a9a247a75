package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHDialer establishes local port forwards over an SSH connection.
type SSHDialer struct {
	logger *zap.Logger
}

// NewSSHDialer returns a Dialer backed by golang.org/x/crypto/ssh.
func NewSSHDialer(logger *zap.Logger) *SSHDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHDialer{logger: logger}
}

func (d *SSHDialer) clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.SSHKeyPath != "" {
		key, err := os.ReadFile(cfg.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.SSHPassword != "" {
		auth = append(auth, ssh.Password(cfg.SSHPassword))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey() // #nosec G106 -- opt-in via empty known_hosts path
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		d.logger.Warn("SSH host key verification disabled", zap.String("host", cfg.SSHHost))
	}

	return &ssh.ClientConfig{
		User:            cfg.SSHUser,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// Dial connects to the SSH server, binds cfg.LocalAddr() and forwards every
// accepted connection to cfg.RemoteAddr() through the SSH session.
func (d *SSHDialer) Dial(ctx context.Context, cfg Config) (Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientCfg, err := d.clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", cfg.SSHAddr())
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", cfg.SSHAddr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.SSHAddr(), clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.LocalAddr())
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.LocalAddr(), err)
	}

	f := &sshForwarder{
		client: client,
		ln:     ln,
		remote: cfg.RemoteAddr(),
		logger: d.logger.With(zap.String("local", cfg.LocalAddr()), zap.String("remote", cfg.RemoteAddr())),
		closed: make(chan struct{}),
	}
	go f.serve()
	if cfg.KeepAliveInterval > 0 {
		go f.keepAlive(cfg.KeepAliveInterval, cfg.KeepAliveMaxMissed)
	}
	go func() {
		// The SSH connection dying takes the local listener with it so
		// probes start failing.
		_ = client.Wait()
		_ = f.Close()
	}()
	return f, nil
}

type sshForwarder struct {
	client *ssh.Client
	ln     net.Listener
	remote string
	logger *zap.Logger

	once   sync.Once
	closed chan struct{}
	wg     sync.WaitGroup
}

func (f *sshForwarder) serve() {
	for {
		local, err := f.ln.Accept()
		if err != nil {
			select {
			case <-f.closed:
			default:
				f.logger.Warn("Tunnel listener stopped", zap.Error(err))
				_ = f.Close()
			}
			return
		}
		f.wg.Add(1)
		go f.pipe(local)
	}
}

func (f *sshForwarder) pipe(local net.Conn) {
	defer f.wg.Done()
	defer local.Close()

	remote, err := f.client.Dial("tcp", f.remote)
	if err != nil {
		f.logger.Warn("Remote dial through tunnel failed", zap.Error(err))
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(remote, local); done <- struct{}{} }()
	go func() { _, _ = io.Copy(local, remote); done <- struct{}{} }()
	select {
	case <-done:
	case <-f.closed:
	}
}

// keepAlive mirrors ServerAliveInterval/ServerAliveCountMax: the session is
// torn down after maxMissed unanswered keepalives.
func (f *sshForwarder) keepAlive(every time.Duration, maxMissed int) {
	if maxMissed <= 0 {
		maxMissed = 3
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-f.closed:
			return
		case <-ticker.C:
			if _, _, err := f.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				missed++
				if missed >= maxMissed {
					f.logger.Warn("SSH keepalive lost", zap.Int("missed", missed), zap.Error(err))
					_ = f.Close()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

func (f *sshForwarder) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		err = errors.Join(f.ln.Close(), f.client.Close())
	})
	return err
}
