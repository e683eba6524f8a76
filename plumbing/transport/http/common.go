// Package http implements the smart HTTP RPC transport and its dumb
// walker fallback.
package http

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/transport"
	"github.com/dagsync/core/plumbing/transport/client"
)

func init() {
	client.InstallProtocol("http", NewTransport)
	client.InstallProtocol("https", NewTransport)
}

const infoRefsPath = "/info/refs"

// AuthMethod is the HTTP-specific extension of transport.AuthMethod: it
// applies itself to an outgoing request rather than an SSH client config.
type AuthMethod interface {
	transport.AuthMethod
	SetAuth(r *http.Request)
}

// BasicAuth authenticates with HTTP basic auth.
type BasicAuth struct {
	Username, Password string
}

// SetAuth implements AuthMethod.
func (a *BasicAuth) SetAuth(r *http.Request) {
	if a == nil {
		return
	}
	r.SetBasicAuth(a.Username, a.Password)
}

func (a *BasicAuth) Name() string { return "http-basic-auth" }

func (a *BasicAuth) String() string {
	masked := "*******"
	if a.Password == "" {
		masked = "<empty>"
	}
	return fmt.Sprintf("%s - %s:%s", a.Name(), a.Username, masked)
}

// TokenAuth authenticates with an HTTP bearer token, the form GitHub,
// GitLab and Bitbucket expect for OAuth-token-as-bearer flows (plain
// username/token pairs should use BasicAuth instead).
type TokenAuth struct {
	Token string
}

// SetAuth implements AuthMethod.
func (a *TokenAuth) SetAuth(r *http.Request) {
	if a == nil {
		return
	}
	r.Header.Set("Authorization", "Bearer "+a.Token)
}

func (a *TokenAuth) Name() string { return "http-token-auth" }

func (a *TokenAuth) String() string {
	masked := "*******"
	if a.Token == "" {
		masked = "<empty>"
	}
	return fmt.Sprintf("%s - %s", a.Name(), masked)
}

func basicAuthFromEndpoint(ep *transport.Endpoint) *BasicAuth {
	if ep.User == "" {
		return nil
	}
	return &BasicAuth{Username: ep.User, Password: ep.Password}
}

// Err wraps a non-2xx HTTP response with the body's text, if any.
type Err struct {
	URL    string
	Status int
	Reason string
}

func (e *Err) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("http: unexpected status requesting %q: %d: %s", e.URL, e.Status, e.Reason)
	}
	return fmt.Sprintf("http: unexpected status requesting %q: %d", e.URL, e.Status)
}

// checkError turns a non-2xx response into a transport-level error,
// special-casing the auth and not-found status codes.
func checkError(res *http.Response) error {
	if res.StatusCode >= http.StatusOK && res.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	var reason string
	if res.Body != nil {
		var buf bytes.Buffer
		if n, _ := buf.ReadFrom(res.Body); n > 0 {
			reason = buf.String()
		}
	}
	switch res.StatusCode {
	case http.StatusUnauthorized:
		return transport.NewError(transport.KindAuth, transport.ErrAuthenticationRequired)
	case http.StatusForbidden:
		return transport.NewError(transport.KindAuth, transport.ErrAuthorizationFailed)
	case http.StatusNotFound:
		return transport.NewError(transport.KindIO, transport.ErrRepositoryNotFound)
	}
	u := ""
	if res.Request != nil {
		u = res.Request.URL.String()
	}
	return transport.NewError(transport.KindIO, &Err{URL: u, Status: res.StatusCode, Reason: reason})
}

func doRequest(c *http.Client, req *http.Request) (*http.Response, error) {
	res, err := c.Do(req)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if err := checkError(res); err != nil {
		_ = res.Body.Close()
		return nil, err
	}
	return res, nil
}

func applyHeaders(req *http.Request, service string, auth AuthMethod, gitProtocol string, smart bool) {
	req.Header.Set("User-Agent", "dagsync/1.0")
	if smart {
		req.Header.Set("Accept", fmt.Sprintf("application/x-%s-result", service))
		req.Header.Set("Content-Type", fmt.Sprintf("application/x-%s-request", service))
	} else {
		req.Header.Set("Accept", "*/*")
	}
	if gitProtocol != "" {
		req.Header.Set("Git-Protocol", gitProtocol)
	}
	if auth != nil {
		auth.SetAuth(req)
	}
}

func configureTLS(tr *http.Transport, ep *transport.Endpoint) error {
	if len(ep.CaBundle) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pool.AppendCertsFromPEM(ep.CaBundle)
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.RootCAs = pool
	}
	if ep.InsecureSkipTLS {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
	}
	if ep.Proxy.URL != "" {
		if u, err := url.Parse(ep.Proxy.URL); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	return nil
}

// NewTransport builds a Transport that talks HTTP(S) to ep, preferring
// the smart protocol and falling back to the dumb walker when the
// server's info/refs response isn't the smart advertisement content
// type.
func NewTransport(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
	httpClient := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	if ep.CaBundle != nil || ep.InsecureSkipTLS || ep.Proxy.URL != "" {
		if err := configureTLS(httpClient.Transport.(*http.Transport), ep); err != nil {
			return nil, err
		}
	}

	var auth AuthMethod
	if opts.Auth != nil {
		a, ok := opts.Auth.(AuthMethod)
		if !ok {
			return nil, transport.ErrInvalidAuthMethod
		}
		auth = a
	} else {
		auth = basicAuthFromEndpoint(ep)
	}

	algo := opts.HashAlgo
	if algo.Size() == 0 {
		algo = hash.SHA1
	}

	return &Transport{
		client:           httpClient,
		ep:               ep,
		opts:             opts,
		auth:             auth,
		hashAlgo:         algo,
		gzip:             opts.Gzip,
		credentialRefill: opts.CredentialRefill,
	}, nil
}
