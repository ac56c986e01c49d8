package xmodem

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// SSHSession runs XMODEM transfers over an SSH session, shuttling
// protocol bytes through the remote command's stdin/stdout. The remote
// end is expected to have the lrzsz-style sx/rx tools installed.
type SSHSession struct {
	*Session
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stdout     io.Reader
	stderr     io.Reader
}

// NewSSHSession creates an XMODEM session from an SSH session.
func NewSSHSession(sshSession *ssh.Session, opts ...Option) (*SSHSession, error) {
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}

	stderr, err := sshSession.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}

	pipe := &sshPipe{r: stdout, w: stdin}
	session := NewSession(pipe, opts...)

	return &SSHSession{
		Session:    session,
		sshSession: sshSession,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
	}, nil
}

// sshPipe combines the session's stdout and stdin into an io.ReadWriter.
type sshPipe struct {
	r io.Reader
	w io.Writer
}

func (p *sshPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *sshPipe) Write(b []byte) (int, error) { return p.w.Write(b) }

// SendFile sends a local file; the remote runs rx to receive it.
func (s *SSHSession) SendFile(ctx context.Context, localPath, remotePath string, useCRC bool) error {
	if err := s.sshSession.Start(fmt.Sprintf("rx %s", shellQuote(remotePath))); err != nil {
		return err
	}
	return s.finishRemote(ctx, s.Session.SendFile(ctx, localPath, useCRC))
}

// ReceiveFile receives into a local file; the remote runs sx to send.
func (s *SSHSession) ReceiveFile(ctx context.Context, remotePath, localPath string, useCRC bool) error {
	if err := s.sshSession.Start(fmt.Sprintf("sx %s", shellQuote(remotePath))); err != nil {
		return err
	}
	return s.finishRemote(ctx, s.Session.ReceiveFile(ctx, localPath, useCRC))
}

// finishRemote closes stdin to signal completion and waits for the
// remote command to exit.
func (s *SSHSession) finishRemote(ctx context.Context, transferErr error) error {
	done := make(chan error, 1)
	go func() {
		done <- s.sshSession.Wait()
	}()

	s.stdin.Close()

	select {
	case remoteErr := <-done:
		if transferErr != nil {
			return transferErr
		}
		return remoteErr
	case <-ctx.Done():
		if transferErr != nil {
			return transferErr
		}
		return ctx.Err()
	}
}

// Close closes the SSH session and cleans up resources.
func (s *SSHSession) Close() error {
	var errs []error

	if s.stdin != nil {
		if err := s.stdin.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.sshSession != nil {
		if err := s.sshSession.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0] // Return first error
	}

	return nil
}

// Stderr returns the stderr reader for monitoring remote command output.
func (s *SSHSession) Stderr() io.Reader {
	return s.stderr
}

// shellQuote wraps path in single quotes for the remote shell.
func shellQuote(path string) string {
	out := make([]byte, 0, len(path)+2)
	out = append(out, '\'')
	for i := 0; i < len(path); i++ {
		if path[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, path[i])
	}
	return string(append(out, '\''))
}
