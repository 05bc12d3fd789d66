package sshconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tb"
	testPassword = "hunter2"
)

// testServer is a minimal in-process SSH server: exec with a few canned
// commands, sftp, keepalive and direct-tcpip forwarding.
type testServer struct {
	t    *testing.T
	ln   net.Listener
	port int

	mu        sync.Mutex
	hostKey   ssh.Signer
	conns     []net.Conn
	forwarded int
	commands  []string
}

func newHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &testServer{t: t, ln: ln, port: ln.Addr().(*net.TCPAddr).Port, hostKey: newHostKey(t)}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) host() HostConfig {
	return HostConfig{
		Hostname:              "127.0.0.1",
		Port:                  s.port,
		Username:              testUser,
		Auth:                  AuthPassword,
		Tier:                  TierMedium,
		StrictHostKeyChecking: true,
	}
}

func (s *testServer) setHostKey(k ssh.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostKey = k
}

func (s *testServer) fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ssh.FingerprintSHA256(s.hostKey.PublicKey())
}

func (s *testServer) forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded
}

func (s *testServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// dropConnections closes every accepted connection, simulating a network
// failure.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) Close() {
	s.ln.Close()
	s.dropConnections()
}

func (s *testServer) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == testUser {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown user %q", c.User())
		},
	}
	s.mu.Lock()
	cfg.AddHostKey(s.hostKey)
	s.mu.Unlock()
	return cfg
}

func (s *testServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.handle(nc)
	}
}

func (s *testServer) handle(nc net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.config())
	if err != nil {
		nc.Close()
		return
	}
	defer sc.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, creqs, err := nch.Accept()
			if err != nil {
				continue
			}
			go s.session(ch, creqs)
		case "direct-tcpip":
			go s.forward(nch)
		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			req.Reply(true, nil)
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()
			code := runCanned(ch, p.Command)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			srv.Serve()
			srv.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runCanned implements the commands the tests use.
func runCanned(ch ssh.Channel, command string) int {
	switch {
	case strings.HasPrefix(command, "echo "):
		io.WriteString(ch, strings.TrimPrefix(command, "echo ")+"\n")
		return 0
	case strings.HasPrefix(command, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		return code
	case command == "warn":
		io.WriteString(ch.Stderr(), "warning: something\n")
		return 0
	}
	io.WriteString(ch.Stderr(), command+": command not found\n")
	return 127
}

func (s *testServer) forward(nch ssh.NewChannel) {
	var p struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
		nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	dest, err := net.Dial("tcp", net.JoinHostPort(p.DestAddr, strconv.Itoa(int(p.DestPort))))
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		dest.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	s.mu.Lock()
	s.forwarded++
	s.conns = append(s.conns, dest)
	s.mu.Unlock()

	go func() {
		io.Copy(dest, ch)
		dest.Close()
	}()
	io.Copy(ch, dest)
	ch.Close()
}
