package git

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"

	"github.com/dagsync/core/plumbing/transport"
	"github.com/dagsync/core/plumbing/transport/client"
)

// DefaultSSHPort is the SSH protocol's default TCP port.
const DefaultSSHPort = 22

func init() {
	client.InstallProtocol("ssh", NewSSHTransport)
}

// SSHAuthMethod is the subset of transport.AuthMethod the ssh:// dialer
// understands; concrete implementations below wrap golang.org/x/crypto/ssh
// credentials.
type SSHAuthMethod interface {
	transport.AuthMethod
	ClientConfig() (*ssh.ClientConfig, error)
}

// PublicKeys authenticates with a single in-memory private key.
type PublicKeys struct {
	User   string
	Signer ssh.Signer
}

func (a *PublicKeys) Name() string   { return "ssh-public-keys" }
func (a *PublicKeys) String() string { return fmt.Sprintf("user: %s, name: %s", a.User, a.Name()) }

// ClientConfig implements SSHAuthMethod.
func (a *PublicKeys) ClientConfig() (*ssh.ClientConfig, error) {
	return &ssh.ClientConfig{
		User: a.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(a.Signer)},
	}, nil
}

// NewPublicKeys parses a PEM-encoded private key. password is only used if
// the key is encrypted.
func NewPublicKeys(user string, pemBytes []byte, password string) (*PublicKeys, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if _, ok := err.(*ssh.PassphraseMissingError); ok {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(password))
	}
	if err != nil {
		return nil, err
	}
	return &PublicKeys{User: user, Signer: signer}, nil
}

// PublicKeysCallback authenticates against a running ssh-agent, reached
// through the SSH_AUTH_SOCK socket.
type PublicKeysCallback struct {
	User     string
	Callback func() ([]ssh.Signer, error)
}

func (a *PublicKeysCallback) Name() string { return "ssh-public-key-callback" }
func (a *PublicKeysCallback) String() string {
	return fmt.Sprintf("user: %s, name: %s", a.User, a.Name())
}

// ClientConfig implements SSHAuthMethod.
func (a *PublicKeysCallback) ClientConfig() (*ssh.ClientConfig, error) {
	return &ssh.ClientConfig{
		User: a.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeysCallback(a.Callback)},
	}, nil
}

// NewSSHAgentAuth dials the agent listening on SSH_AUTH_SOCK and returns an
// AuthMethod backed by it. u defaults to the current OS user.
func NewSSHAgentAuth(u string) (*PublicKeysCallback, error) {
	if u == "" {
		var err error
		u, err = defaultUsername()
		if err != nil {
			return nil, err
		}
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("ssh: SSH_AUTH_SOCK not set, no running agent")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh: dialing agent: %w", err)
	}
	ag := agent.NewClient(conn)
	return &PublicKeysCallback{User: u, Callback: ag.Signers}, nil
}

// Password authenticates with a plain username/password pair.
type Password struct {
	User     string
	Password string
}

func (a *Password) Name() string   { return "ssh-password" }
func (a *Password) String() string { return fmt.Sprintf("user: %s, name: %s", a.User, a.Name()) }

// ClientConfig implements SSHAuthMethod.
func (a *Password) ClientConfig() (*ssh.ClientConfig, error) {
	return &ssh.ClientConfig{
		User: a.User,
		Auth: []ssh.AuthMethod{ssh.Password(a.Password)},
	}, nil
}

func defaultUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("ssh: failed to determine username")
}

// NewSSHTransport dials ep over SSH, authenticating via opts.Auth
// (falling back to the running ssh-agent when unset), then opens a
// session and runs git-upload-pack/git-receive-pack directly as the
// session's command (SSH has no "host=" request-line framing the way
// the git:// daemon does). The TCP dial honors ep.Proxy via
// golang.org/x/net/proxy.
func NewSSHTransport(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
	auth, err := sshAuthMethod(ep, opts)
	if err != nil {
		return nil, transport.NewError(transport.KindAuth, err)
	}
	cfg, err := auth.ClientConfig()
	if err != nil {
		return nil, transport.NewError(transport.KindAuth, err)
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = defaultHostKeyCallback()
	}

	addr := hostWithSSHPort(ep)
	conn0, err := dialThroughProxy(ep, addr)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, fmt.Errorf("ssh: dial %s: %w", addr, err))
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn0, addr, cfg)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, fmt.Errorf("ssh: handshake %s: %w", addr, err))
	}
	sshClient := ssh.NewClient(clientConn, chans, reqs)

	sess, err := sshClient.NewSession()
	if err != nil {
		_ = sshClient.Close()
		return nil, transport.NewError(transport.KindIO, err)
	}

	conn := &sshConn{client: sshClient, session: sess}
	s := NewSession(conn, ep, opts)
	s.requestLineFunc = func(forPush bool) error {
		cmd := "git-upload-pack"
		if forPush {
			cmd = "git-receive-pack"
		}
		return conn.start(endpointToCommand(cmd, ep))
	}
	return s, nil
}

func sshAuthMethod(ep *transport.Endpoint, opts transport.Options) (SSHAuthMethod, error) {
	if opts.Auth != nil {
		a, ok := opts.Auth.(SSHAuthMethod)
		if !ok {
			return nil, transport.ErrInvalidAuthMethod
		}
		return a, nil
	}
	user := ep.User
	return NewSSHAgentAuth(user)
}

func defaultHostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownhosts.New(home + "/.ssh/known_hosts")
	if err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}

// dialThroughProxy dials addr directly, or through ep.Proxy (a SOCKS5 or
// HTTP CONNECT proxy URL) when one is configured.
func dialThroughProxy(ep *transport.Endpoint, addr string) (net.Conn, error) {
	if ep.Proxy.URL == "" {
		return net.Dial("tcp", addr)
	}
	proxyURL, err := url.Parse(ep.Proxy.URL)
	if err != nil {
		return nil, err
	}
	if ep.Proxy.Username != "" {
		proxyURL.User = url.UserPassword(ep.Proxy.Username, ep.Proxy.Password)
	}
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return dialer.Dial("tcp", addr)
}

func hostWithSSHPort(ep *transport.Endpoint) string {
	port := ep.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(port))
}

// endpointToCommand renders the remote-side command the way git's own SSH
// transport does: the path single-quoted, with any embedded quote escaped.
func endpointToCommand(cmd string, ep *transport.Endpoint) string {
	return fmt.Sprintf("%s '%s'", cmd, escapePath(ep.Path))
}

func escapePath(p string) string {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, p[i])
	}
	return string(out)
}

// sshConn adapts an *ssh.Session's stdin/stdout pipes plus the owning
// *ssh.Client into the io.ReadWriteCloser Session expects, starting the
// remote command lazily the first time a direction is used (mirroring the
// git:// dialer's lazy request line).
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	started bool
}

func (c *sshConn) start(cmd string) error {
	if c.started {
		return nil
	}
	stdin, err := c.session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := c.session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := c.session.Start(cmd); err != nil {
		return err
	}
	c.stdin = stdin
	c.stdout = stdout
	c.started = true
	return nil
}

func (c *sshConn) Read(p []byte) (int, error) {
	if !c.started {
		return 0, fmt.Errorf("ssh: read before command started")
	}
	return c.stdout.Read(p)
}

func (c *sshConn) Write(p []byte) (int, error) {
	if !c.started {
		return 0, fmt.Errorf("ssh: write before command started")
	}
	return c.stdin.Write(p)
}

func (c *sshConn) Close() error {
	_ = c.session.Close()
	return c.client.Close()
}
