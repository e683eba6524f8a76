package push

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
)

// CertMode selects when a push certificate is attached.
type CertMode int

const (
	// CertNever never attaches a certificate, even if the remote asks.
	CertNever CertMode = iota
	// CertIfAsked attaches one only if the remote advertises push-cert.
	CertIfAsked
	// CertAlways requires the remote to advertise push-cert and fails
	// the push otherwise.
	CertAlways
)

// ErrPushCertRequired is returned when CertAlways is set but the remote
// never advertised a push-cert nonce.
var ErrPushCertRequired = fmt.Errorf("push: signed push required but remote did not advertise push-cert")

// buildCert renders and signs the push certificate: certificate
// version, pusher/pushee/nonce preamble, a blank line, the embedded
// update list, then the detached armored signature directly after it.
// The update list rides inside the signed body so the receiver can
// verify exactly what was authorized.
func buildCert(signer *openpgp.Entity, pusher, pushee, nonce string, pushOptions []string, refs []*ref.Ref) (string, error) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "certificate version 0.1\n")
	fmt.Fprintf(&body, "pusher %s\n", pusher)
	if pushee != "" {
		fmt.Fprintf(&body, "pushee %s\n", pushee)
	}
	fmt.Fprintf(&body, "nonce %s\n", nonce)
	for _, opt := range pushOptions {
		fmt.Fprintf(&body, "push-option %s\n", opt)
	}
	body.WriteString("\n")

	sorted := append([]*ref.Ref(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, r := range sorted {
		old, newID := r.OldID, r.NewID
		if old == nil {
			old = hash.SHA1.Zero()
		}
		if newID == nil {
			newID = hash.SHA1.Zero()
		}
		fmt.Fprintf(&body, "%s %s %s\n", old.String(), newID.String(), r.Name)
	}

	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, signer, bytes.NewReader(body.Bytes()), nil); err != nil {
		return "", fmt.Errorf("push: signing certificate: %w", err)
	}

	var out strings.Builder
	out.WriteString(body.String())
	out.WriteString(sig.String())
	return out.String(), nil
}
