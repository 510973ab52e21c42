package sshd

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const DefaultHandshakeTimeout = 10 * time.Second

var errHandshakeTimeout = errors.New("handshake timeout")

// SSHServer is the management console. Every session gets its own copy of the
// registered commands.
type SSHServer struct {
	config *ssh.ServerConfig
	l      *logrus.Entry

	// Map of user -> authorized keys
	trustedKeys map[string]map[string]bool
	trustedCAs  []ssh.PublicKey

	commands *radix.Tree
	prompt   string

	HandshakeTimeout time.Duration

	lock     sync.Mutex
	listener net.Listener
	conns    map[int]*session
	counter  int
}

// NewSSHServer creates a new ssh server rigged with the help command. prompt
// is shown after the user name in interactive sessions.
func NewSSHServer(l *logrus.Entry, prompt string) (*SSHServer, error) {
	s := &SSHServer{
		trustedKeys:      make(map[string]map[string]bool),
		l:                l,
		commands:         radix.New(),
		prompt:           prompt,
		conns:            make(map[int]*session),
		HandshakeTimeout: DefaultHandshakeTimeout,
	}

	cc := ssh.CertChecker{
		IsUserAuthority: func(auth ssh.PublicKey) bool {
			for _, ca := range s.trustedCAs {
				if bytes.Equal(ca.Marshal(), auth.Marshal()) {
					return true
				}
			}
			return false
		},
		UserKeyFallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			fp := ssh.FingerprintSHA256(pubKey)

			tk, ok := s.trustedKeys[c.User()]
			if !ok {
				return nil, fmt.Errorf("unknown user %s", c.User())
			}

			if !tk[string(pubKey.Marshal())] {
				return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
			}

			return &ssh.Permissions{
				Extensions: map[string]string{
					"fp":   fp,
					"user": c.User(),
				},
			}, nil
		},
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: cc.Authenticate,
		ServerVersion:     "SSH-2.0-" + prompt,
	}

	s.RegisterCommand(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(a any, args []string, w StringWriter) error {
			return helpCallback(s.commands, args, w)
		},
	})

	return s, nil
}

func (s *SSHServer) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	s.config.AddHostKey(private)
	return nil
}

func (s *SSHServer) ClearTrustedCAs() {
	s.trustedCAs = []ssh.PublicKey{}
}

func (s *SSHServer) ClearAuthorizedKeys() {
	s.trustedKeys = make(map[string]map[string]bool)
}

// AddTrustedCA adds a trusted CA for user certificates
func (s *SSHServer) AddTrustedCA(pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.trustedCAs = append(s.trustedCAs, pk)
	s.l.WithField("sshKey", pubKey).Info("Trusted CA key")
	return nil
}

// AddAuthorizedKey adds an ssh public key for a user
func (s *SSHServer) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	tk, ok := s.trustedKeys[user]
	if !ok {
		tk = make(map[string]bool)
		s.trustedKeys[user] = tk
	}

	tk[string(pk.Marshal())] = true
	s.l.WithField("sshKey", pubKey).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand adds a command that can be run by a user, by default only `help` is available
func (s *SSHServer) RegisterCommand(c *Command) {
	s.commands.Insert(c.Name, c)
}

// Run begins listening and accepting connections. It returns once Stop closes
// the listener.
func (s *SSHServer) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
func (s *SSHServer) Serve(ln net.Listener) error {
	s.lock.Lock()
	s.listener = ln
	s.lock.Unlock()

	s.l.WithField("sshListener", ln.Addr()).Info("SSH server is listening")

	s.run(ln)
	s.closeSessions()

	s.l.Info("SSH server stopped listening")
	return nil
}

func (s *SSHServer) run(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			return
		}

		go s.accept(c)
	}
}

func (s *SSHServer) accept(c net.Conn) {
	conn, chans, reqs, err := s.handshakeWithTimeout(c, s.HandshakeTimeout)
	if err != nil {
		s.l.WithError(err).WithField("remoteAddress", c.RemoteAddr()).Warn("failed to handshake")
		return
	}

	fp := conn.Permissions.Extensions["fp"]
	l := s.l.WithField("sshUser", conn.User())
	l.WithField("remoteAddress", c.RemoteAddr()).WithField("sshFingerprint", fp).Info("ssh user logged in")

	session := NewSession(s.commands, conn, chans, conn.User()+"@"+s.prompt+" > ", l.WithField("subsystem", "sshd.session"))
	s.lock.Lock()
	s.counter++
	id := s.counter
	s.conns[id] = session
	s.lock.Unlock()

	go ssh.DiscardRequests(reqs)
	<-session.exitChan

	s.l.WithField("id", id).Debug("closing conn")
	s.lock.Lock()
	delete(s.conns, id)
	s.lock.Unlock()
}

// handshakeWithTimeout runs the server side of the ssh handshake, giving up
// and closing c after timeout.
func (s *SSHServer) handshakeWithTimeout(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
		done <- result{conn, chans, reqs, err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			_ = c.Close()
			return nil, nil, nil, r.err
		}
		return r.conn, r.chans, r.reqs, nil
	case <-t.C:
		_ = c.Close()
		return nil, nil, nil, errHandshakeTimeout
	}
}

// Stop closes the listener, which ends Run and every session.
func (s *SSHServer) Stop() {
	s.lock.Lock()
	ln := s.listener
	s.listener = nil
	s.lock.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
	}
}

func (s *SSHServer) closeSessions() {
	s.lock.Lock()
	sessions := make([]*session, 0, len(s.conns))
	for _, c := range s.conns {
		sessions = append(sessions, c)
	}
	s.lock.Unlock()

	for _, c := range sessions {
		c.Close()
	}
}

// Exec runs one command line against the registered commands outside any
// session and returns its exit status.
func (s *SSHServer) Exec(line string, w StringWriter) uint32 {
	sess := &session{commands: s.commands, l: s.l}
	return sess.dispatchCommand(line, w)
}
