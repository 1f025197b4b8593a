// Package endpointshell provisions a one-time administration SSH session
// to a freshly-booted guest, generates the credentials the real client will
// use afterward, and runs the guest's setup script to install them.
package endpointshell

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrAdminSetupFailed is returned when the guest's setup script produced
// any output on stdout or stderr. Any output at all is treated as a
// failure signal.
var ErrAdminSetupFailed = errors.New("endpointshell: admin setup script reported output")

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Shell is a one-off SSH connection to a guest's endpoint, scoped to the
// lifetime of a single provisioning + exec sequence.
type Shell struct {
	client *ssh.Client
}

// Open dials the guest's SSH endpoint, retrying until it answers or the
// context is done. The host key is not verified: a freshly-defined domain
// has no prior identity to pin against, so trusting whatever key it
// presents on first contact is the accepted risk here.
func Open(ctx context.Context, addr string, username, password string, timeout time.Duration) (*Shell, error) {
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("endpointshell: dial %s: %w (last error: %v)", addr, ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("endpointshell: dial %s: %w", addr, ctx.Err())
		default:
		}

		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			client, err := ssh.Dial("tcp", addr, config)
			if err == nil {
				return &Shell{client: client}, nil
			}
			lastErr = err
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("endpointshell: dial %s: %w (last error: %v)", addr, ctx.Err(), lastErr)
		case <-time.After(time.Second):
		}
	}
}

// Close closes the underlying SSH connection.
func (s *Shell) Close() error {
	return s.client.Close()
}

// GenerateClientCredentials produces the username/password pair the real
// client will authenticate with once the forwarder is live.
func GenerateClientCredentials(passwordLength int) (username, password string, err error) {
	n, err := rand.Int(rand.Reader, big.NewInt(80000))
	if err != nil {
		return "", "", fmt.Errorf("endpointshell: generate username suffix: %w", err)
	}
	username = fmt.Sprintf("user_%d", n.Int64()+10000)

	if passwordLength <= 0 {
		passwordLength = 120
	}
	password, err = randomAlnum(passwordLength)
	if err != nil {
		return "", "", fmt.Errorf("endpointshell: generate password: %w", err)
	}
	return username, password, nil
}

func randomAlnum(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(passwordAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// Administrate runs the guest's credential-provisioning script over a
// single SSH session, installing username/password for the given guest SSH
// port. Any stdout or stderr output from the script is treated as failure.
func (s *Shell) Administrate(ctx context.Context, username, password string, guestSSHPort int) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("endpointshell: open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := fmt.Sprintf("sudo /bin/anweddol_container_setup.sh %s %s %d", username, password, guestSSHPort)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("endpointshell: run setup script: %w", err)
	}
	if stdout.Len() > 0 || stderr.Len() > 0 {
		return ErrAdminSetupFailed
	}
	return nil
}

// ExecuteCommand runs an arbitrary command over a fresh session and returns
// its captured output.
func (s *Shell) ExecuteCommand(ctx context.Context, command string) (stdout, stderr string, err error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("endpointshell: open session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf strings.Builder
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runErr := session.Run(command)
	return outBuf.String(), errBuf.String(), runErr
}
