package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/btouchard/nethopper/internal/store"
)

// LocalTarget is the reserved target name for running on the server itself.
const LocalTarget = "local"

var (
	// ErrConnect is returned when the remote host cannot be reached.
	ErrConnect = errors.New("connection failed")
	// ErrAuth is returned when the remote host rejects the credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrSession is returned when a connected host refuses to run the command.
	ErrSession = errors.New("command session failed")
	// ErrOutputLimit is returned when a command writes more than the
	// configured output limit.
	ErrOutputLimit = errors.New("output limit exceeded")
	// ErrNoInput is returned when a task is not running or its input was
	// already closed.
	ErrNoInput = errors.New("task is not accepting input")
)

// Target is a resolved place to run a command.
type Target struct {
	Name     string
	Address  string
	Port     int
	Username string
	AuthType string
	Password string
	KeyPath  string
	Local    bool
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// String returns a log-friendly description that never includes secrets.
func (t Target) String() string {
	if t.Local {
		return LocalTarget
	}
	return fmt.Sprintf("%s (%s@%s)", t.Name, t.Username, t.Addr())
}

// TargetFromHost converts a stored host to a Target.
func TargetFromHost(h *store.Host) Target {
	return Target{
		Name:     h.Name,
		Address:  h.Address,
		Port:     h.Port,
		Username: h.Username,
		AuthType: h.AuthType,
		Password: h.Password,
		KeyPath:  h.KeyPath,
	}
}

// Process is one started command.
type Process interface {
	// Stdin stays open until closed by the caller or the command exits.
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command exits. A non-zero exit status is not an
	// error; err is set only when the transport failed. exitCode is -1 when
	// the command ended without reporting a status.
	Wait() (exitCode int, err error)
	// Kill stops the command early.
	Kill() error
}

// Runner starts commands on a target. Cancelling ctx stops the command.
type Runner interface {
	Start(ctx context.Context, t Target, command string) (Process, error)
}
