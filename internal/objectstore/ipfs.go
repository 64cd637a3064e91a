package objectstore

import (
	"bytes"
	"context"
	"io"

	blockservice "github.com/ipfs/go-blockservice"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	format "github.com/ipfs/go-ipld-format"
	merkledag "github.com/ipfs/go-merkledag"
	unixfs "github.com/ipfs/go-unixfs"
)

// IPFSBackend stores objects as single-block unixfs file nodes in a
// local (or offline-exchange) block store, keying the store's own
// binary-cache keys to the resulting root CID through a small
// datastore-backed index, since spec.md's object keys are narinfo/NAR
// path strings but IPFS content is addressed by CID (spec.md §4.3:
// "IPFS (put to DAG + IPNS publish; mutation gated by allow-modify)").
//
// Every object is stored as one block whatever its size: go-unixfs's
// multi-block chunker/importer is not used, and the binary-cache layer
// hands each compressed NAR body to Put whole (see internal/binarycache).
// No IPNS record is published; a write is visible to any reader of the
// same index datastore as soon as Put returns.
type IPFSBackend struct {
	dag         format.DAGService
	index       datastore.Batching // key string -> root CID bytes
	allowModify bool
}

// NewIPFSBackend constructs a Backend over a blockstore rooted at ds,
// with writes permitted only when allowModify is set (spec.md's IPFS
// substituter is normally read-only against a pinned, externally
// published DAG).
func NewIPFSBackend(ds datastore.Batching, allowModify bool) *IPFSBackend {
	bs := blockstore.NewBlockstore(dssync.MutexWrap(ds))
	bserv := blockservice.New(bs, nil)
	return &IPFSBackend{
		dag:         merkledag.NewDAGService(bserv),
		index:       ds,
		allowModify: allowModify,
	}
}

func (b *IPFSBackend) indexKey(key string) datastore.Key {
	return datastore.NewKey("/buildstore/objects/" + key)
}

func (b *IPFSBackend) Exists(ctx context.Context, key string) (bool, error) {
	return b.index.Has(ctx, b.indexKey(key))
}

func (b *IPFSBackend) Put(ctx context.Context, key string, content io.Reader) error {
	if !b.allowModify {
		return &ErrReadOnly{Backend: "ipfs"}
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	fsNode := unixfs.NewFSNode(unixfs.TFile)
	fsNode.SetData(data)
	pbData, err := fsNode.GetBytes()
	if err != nil {
		return err
	}

	node := merkledag.NodeWithData(pbData)
	node.SetCidBuilder(merkledag.V1CidPrefix())
	if err := b.dag.Add(ctx, node); err != nil {
		return err
	}

	return b.index.Put(ctx, b.indexKey(key), node.Cid().Bytes())
}

func (b *IPFSBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	raw, err := b.index.Get(ctx, b.indexKey(key))
	if err != nil {
		if err == datastore.ErrNotFound {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return nil, err
	}
	node, err := b.dag.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	pbNode, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return nil, format.ErrNotProtobuf
	}
	fsNode, err := unixfs.FSNodeFromBytes(pbNode.Data())
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(fsNode.Data())), nil
}

func (b *IPFSBackend) GetAsync(ctx context.Context, key string) <-chan Result {
	return GetAsyncViaGet(ctx, b, key)
}
