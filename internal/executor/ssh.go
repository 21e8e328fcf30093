package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/btouchard/nethopper/internal/store"
)

const defaultConnectTimeout = 10 * time.Second

// SSHRunner runs commands on remote hosts over SSH.
type SSHRunner struct {
	connectTimeout  time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHRunner creates a runner. When knownHostsPath is empty, host keys are
// not verified.
func NewSSHRunner(connectTimeout time.Duration, knownHostsPath string) (*SSHRunner, error) {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	r := &SSHRunner{connectTimeout: connectTimeout}
	if knownHostsPath == "" {
		slog.Warn("host key verification disabled, set execution.known_hosts to enable it")
		r.hostKeyCallback = ssh.InsecureIgnoreHostKey()
		return r, nil
	}

	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	r.hostKeyCallback = cb
	return r, nil
}

// Start dials the target, authenticates and starts command in a new session.
// Cancelling ctx signals the remote command and closes the connection.
func (r *SSHRunner) Start(ctx context.Context, t Target, command string) (Process, error) {
	auth, err := authMethods(t)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: r.hostKeyCallback,
		Timeout:         r.connectTimeout,
	}

	addr := t.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	d := net.Dialer{Timeout: r.connectTimeout}
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, ctx.Err())
		}
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrConnect, addr, err)
	}

	// The handshake has no context of its own; bound it by the deadline.
	_ = conn.SetDeadline(time.Now().Add(r.connectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %s@%s: %w", ErrAuth, t.Username, addr, err)
		}
		return nil, fmt.Errorf("%w: handshake with %s: %w", ErrConnect, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: opening session: %w", ErrSession, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrSession, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSession, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSession, err)
	}

	if err := session.Start(command); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: starting command: %w", ErrSession, err)
	}

	p := &sshProcess{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		exited:  make(chan struct{}),
	}
	go p.watch(ctx)
	return p, nil
}

type sshProcess struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	closeOnce sync.Once
	exited    chan struct{}
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.stdout }
func (p *sshProcess) Stderr() io.Reader     { return p.stderr }

func (p *sshProcess) Wait() (int, error) {
	err := p.session.Wait()
	close(p.exited)
	p.close()

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := errors.AsType[*ssh.ExitError](err); ok {
		return exitErr.ExitStatus(), nil
	}
	if _, ok := errors.AsType[*ssh.ExitMissingError](err); ok {
		return -1, nil
	}
	return -1, fmt.Errorf("%w: %w", ErrSession, err)
}

func (p *sshProcess) Kill() error {
	_ = p.session.Signal(ssh.SIGKILL)
	p.close()
	return nil
}

// watch stops the remote command when ctx ends first.
func (p *sshProcess) watch(ctx context.Context) {
	select {
	case <-p.exited:
	case <-ctx.Done():
		_ = p.session.Signal(ssh.SIGTERM)
		p.close()
	}
}

func (p *sshProcess) close() {
	p.closeOnce.Do(func() {
		_ = p.session.Close()
		_ = p.client.Close()
	})
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	switch t.AuthType {
	case store.AuthKey:
		key, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %s: %w", ErrAuth, t.KeyPath, err)
		}
		var signer ssh.Signer
		if t.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(t.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parsing key %s: %w", ErrAuth, t.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case store.AuthPassword, "":
		if t.Password == "" {
			return nil, fmt.Errorf("%w: no password configured for %s", ErrAuth, t.Name)
		}
		return []ssh.AuthMethod{
			ssh.Password(t.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			}),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown auth type %q", ErrAuth, t.AuthType)
	}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
