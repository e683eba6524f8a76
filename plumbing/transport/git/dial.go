package git

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/transport"
	"github.com/dagsync/core/plumbing/transport/client"
)

// DefaultPort is the git:// protocol's default TCP port.
const DefaultPort = 9418

func init() {
	client.InstallProtocol("git", NewTransport)
}

// NewTransport dials ep over TCP and returns a Session speaking
// git-upload-pack, framing the opening request line the native git
// daemon expects before any pkt-line traffic:
// "git-upload-pack <path>\x00host=<host>\x00". Which of
// git-upload-pack/git-receive-pack is spoken is decided lazily from the
// first GetRefs(ForPush) call rather than at dial time, since a single
// long-lived instance serves either direction.
func NewTransport(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
	conn, err := dialTCP(ep)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	s := NewSession(conn, ep, opts)
	s.requestLineFunc = func(forPush bool) error {
		service := "git-upload-pack"
		if forPush {
			service = "git-receive-pack"
		}
		return sendGitProtoRequest(conn, service, ep)
	}
	return s, nil
}

func dialTCP(ep *transport.Endpoint) (net.Conn, error) {
	return net.Dial("tcp", hostWithPort(ep))
}

func hostWithPort(ep *transport.Endpoint) string {
	port := ep.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(port))
}

// sendGitProtoRequest writes the pre-pktline-protocol request line the
// git daemon reads before either side speaks pkt-line: a single packet
// "<service> <path>\x00host=<host>\x00".
func sendGitProtoRequest(conn net.Conn, service string, ep *transport.Endpoint) error {
	host := ep.Host
	if ep.Port != 0 && ep.Port != DefaultPort {
		host = net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	}
	line := fmt.Sprintf("%s %s\x00host=%s\x00", service, ep.Path, host)
	_, err := pktline.NewWriter(conn).WritePacket([]byte(line))
	return err
}
