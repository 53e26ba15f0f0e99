package deployer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

const sshDialTimeout = 10 * time.Second

// sshRunner drives a remote target over one SSH connection. Each Exec
// runs in its own session.
type sshRunner struct {
	client *ssh.Client
	host   string
}

// dialSSH opens a connection using the host's configured key, falling
// back to the local SSH agent when no key path is set.
func dialSSH(ctx context.Context, h *model.SSHHost) (*sshRunner, error) {
	auth, err := authMethods(h)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            h.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(h.Host, fmt.Sprint(h.Port))
	d := net.Dialer{Timeout: sshDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &faults.NetworkError{Op: "dial", Host: addr, Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &faults.AuthError{Subject: h.User + "@" + addr, Msg: err.Error()}
		}
		return nil, &faults.NetworkError{Op: "ssh handshake", Host: addr, Err: err}
	}
	return &sshRunner{client: ssh.NewClient(sshConn, chans, reqs), host: addr}, nil
}

func authMethods(h *model.SSHHost) ([]ssh.AuthMethod, error) {
	if h.KeyPath != "" {
		pem, err := os.ReadFile(h.KeyPath)
		if err != nil {
			return nil, &faults.IOError{Op: "read ssh key", Path: h.KeyPath, Err: err}
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, &faults.AuthError{Subject: h.KeyPath, Msg: err.Error()}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, &faults.AuthError{Subject: h.Name,
			Msg: "no key_path configured and no SSH agent available"}
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, &faults.NetworkError{Op: "ssh agent", Host: sock, Err: err}
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
}

// hostKeyCallback verifies host keys against the operator's known_hosts.
// Verification is mandatory: a missing or unreadable known_hosts fails
// the dial unless WGFLEET_SSH_INSECURE is set.
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	if v, err := strconv.ParseBool(os.Getenv("WGFLEET_SSH_INSECURE")); err == nil && v {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, &faults.AuthError{Subject: "ssh",
			Msg: "cannot locate known_hosts: " + err.Error()}
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, &faults.AuthError{Subject: "ssh",
			Msg: fmt.Sprintf("host key verification needs %s (%v); set WGFLEET_SSH_INSECURE=1 to skip verification", path, err)}
	}
	return cb, nil
}

func (r *sshRunner) Exec(ctx context.Context, cmd string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", &faults.NetworkError{Op: "ssh session", Host: r.host, Err: err}
	}
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()
	out, err := sess.CombinedOutput(cmd)
	close(done)
	if err != nil {
		return string(out), fmt.Errorf("%s on %s: %w (%s)",
			cmd, r.host, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (r *sshRunner) Exists(ctx context.Context, path string) (bool, error) {
	out, err := r.Exec(ctx, fmt.Sprintf("[ -f %s ] && echo yes || echo no", shellQuote(path)))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "yes", nil
}

func (r *sshRunner) Read(ctx context.Context, path string) ([]byte, error) {
	out, err := r.Exec(ctx, "cat "+shellQuote(path))
	if err != nil {
		return nil, &faults.IOError{Op: "read", Path: path, Err: err}
	}
	return []byte(out), nil
}

func (r *sshRunner) Put(ctx context.Context, path string, data []byte) error {
	sess, err := r.client.NewSession()
	if err != nil {
		return &faults.NetworkError{Op: "ssh session", Host: r.host, Err: err}
	}
	defer sess.Close()

	tmp := path + ".tmp"
	sess.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("umask 077 && cat > %[1]s && sync %[1]s && mv %[1]s %[2]s",
		shellQuote(tmp), shellQuote(path))
	if out, err := sess.CombinedOutput(cmd); err != nil {
		return &faults.IOError{Op: "write", Path: path,
			Err: fmt.Errorf("%w (%s)", err, strings.TrimSpace(string(out)))}
	}
	return nil
}

func (r *sshRunner) Close() error { return r.client.Close() }

// CheckHost dials a configured host and confirms both the shell and the
// wg tool respond. Used by CLI setup to validate hosts before any deploy.
func CheckHost(ctx context.Context, h *model.SSHHost) error {
	r, err := dialSSH(ctx, h)
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := r.Exec(ctx, "true"); err != nil {
		return err
	}
	if out, err := r.Exec(ctx, "command -v wg || echo missing"); err == nil &&
		strings.TrimSpace(out) == "missing" {
		return &faults.ValidationError{Field: "host",
			Msg: fmt.Sprintf("%s has no wg binary on PATH", h.Name)}
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
