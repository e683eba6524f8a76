package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/storer"
	"github.com/dagsync/core/plumbing/transport"
)

// LooseObjectStorer is the object-store seam the dumb walker drives: the
// walker downloads raw loose-object files but never parses them itself.
// AddLooseObject stores one file and returns the identifiers the stored
// object references (parents and tree for a commit, entries for a tree,
// target for a tag), which the walker then fetches in turn.
type LooseObjectStorer interface {
	HasEncodedObject(hash.ObjectID) error
	AddLooseObject(id hash.ObjectID, data []byte) ([]hash.ObjectID, error)
}

// SetLooseObjectStorer wires the store the dumb walker fetches into.
// Without one, a dumb-only remote fails Fetch with an unsupported error.
func (t *Transport) SetLooseObjectStorer(s LooseObjectStorer) { t.looseStore = s }

// dumbGet issues one plain GET against the remote, with auth applied but
// none of the smart-protocol headers. The caller owns the response body
// and must check the status itself; optional resources (info/packs) 404
// without failing the operation.
func (t *Transport) dumbGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.ep.String()+path, nil)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	applyHeaders(req, "", t.auth, "", false)
	res, err := t.client.Do(req)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	return res, nil
}

// dumbGetRefs reads the plain-text info/refs listing: one "<hex>\t<name>"
// line per ref, peeled "<name>^{}" entries folded into the preceding tag.
func (t *Transport) dumbGetRefs(ctx context.Context) ([]*ref.Ref, error) {
	res, err := t.dumbGet(ctx, infoRefsPath)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := checkError(res); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}

	var refs []*ref.Ref
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		hex, name, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, transport.NewError(transport.KindProtocol, fmt.Errorf("http: malformed dumb info/refs line %q", line))
		}
		id, perr := t.hashAlgo.ParseHex(hex)
		if perr != nil {
			return nil, transport.NewError(transport.KindProtocol, fmt.Errorf("http: bad id in dumb info/refs line %q", line))
		}
		refs = append(refs, &ref.Ref{Name: name, NewID: id})
	}
	return ref.ConsumePeeled(refs), nil
}

// dumbFetch walks the remote's objects/ tree: packs first (when the
// remote maintains objects/info/packs), then loose objects reachable
// from the wants, each fetched by its identifier's fan-out path and
// handed to the loose store, whose returned references extend the walk.
func (t *Transport) dumbFetch(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	if t.looseStore == nil {
		return nil, transport.NewError(transport.KindUnsupported,
			fmt.Errorf("http: remote %s only speaks the dumb protocol and no loose-object store is wired", t.ep.String()))
	}

	stats := &storer.PackStats{}
	t.fetchDumbPacks(ctx, req, stats)

	queue := append([]hash.ObjectID(nil), req.Wants...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if t.looseStore.HasEncodedObject(id) == nil {
			continue
		}

		res, err := t.dumbGet(ctx, "/objects/"+looseObjectPath(id))
		if err != nil {
			return nil, err
		}
		if res.StatusCode == http.StatusNotFound {
			_ = res.Body.Close()
			return nil, transport.NewError(transport.KindIO,
				fmt.Errorf("http: object %s not found on dumb remote", id.Short(7)))
		}
		if err := checkError(res); err != nil {
			_ = res.Body.Close()
			return nil, err
		}
		data, err := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}

		children, err := t.looseStore.AddLooseObject(id, data)
		if err != nil {
			return nil, transport.NewError(transport.KindPack, err)
		}
		stats.ReceivedObjects++
		stats.ReceivedBytes += int64(len(data))
		queue = append(queue, children...)
	}

	return &transport.FetchResponse{Stats: stats}, nil
}

// fetchDumbPacks downloads every pack listed in objects/info/packs into
// req.PackWriter, so the loose walk afterwards only touches what no pack
// supplied. Best-effort: a remote without the packs index, or a pack
// that fails to download, degrades to the loose walk.
func (t *Transport) fetchDumbPacks(ctx context.Context, req *transport.FetchRequest, stats *storer.PackStats) {
	if req.PackWriter == nil {
		return
	}
	res, err := t.dumbGet(ctx, "/objects/info/packs")
	if err != nil {
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		name, ok := strings.CutPrefix(line, "P ")
		if !ok {
			continue
		}
		pres, err := t.dumbGet(ctx, "/objects/pack/"+name)
		if err != nil {
			continue
		}
		if pres.StatusCode == http.StatusOK {
			if ps, werr := req.PackWriter.WritePack(pres.Body, storer.PackWriteOptions{}); werr == nil && ps != nil {
				stats.ReceivedObjects += ps.ReceivedObjects
				stats.ReceivedBytes += ps.ReceivedBytes
			}
		}
		_ = pres.Body.Close()
	}
}

// looseObjectPath is the two-level fan-out layout loose objects live
// under: the first two hex characters name the directory, the rest the
// file.
func looseObjectPath(id hash.ObjectID) string {
	hex := id.String()
	return hex[:2] + "/" + hex[2:]
}
