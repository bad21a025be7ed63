// Package imagesvc defines the contract with the external image service
// that performs the actual disk I/O, sitting at the external-image-
// service boundary. The upstream system reaches this service over
// ZeroC Ice; since neither an Ice nor a generated-proto transport has a
// home in this module's dependency pack, the wire form here is plain
// JSON over HTTP — the smallest real substitute that preserves the
// three-endpoint (read/write/cdp) shape and the round-trippable
// endpoint string the upstream keeps inside a Handle.
package imagesvc

import (
	"context"
	"fmt"
)

// ImageRef identifies one image file, optionally scoped to a snapshot
// name within it (mirrors ice.IMG.ImageSnapshotIdent).
type ImageRef struct {
	Path         string `json:"path"`
	SnapshotName string `json:"snapshot_name"`
}

// AllSnapshot is the sentinel SnapshotName used when no specific
// snapshot within the image is targeted.
const AllSnapshot = "all"

// Role selects which of the three external proxies (read/write/cdp) a
// request targets, matching get_read_img_prx/get_write_img_prx/get_cdp_prx.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleCDP   Role = "cdp"
)

// Endpoint is a round-trippable reference to whichever external proxy
// served a request, stashed on a handle so a later Close can be routed
// back to the same backend (mirrors convert_proxy_to_string/
// convert_string_to_prx).
type Endpoint string

// Encode builds the Endpoint string for role at addr.
func Encode(role Role, addr string) Endpoint {
	return Endpoint(fmt.Sprintf("%s@%s", role, addr))
}

// Decode splits an Endpoint back into its role and address.
func (e Endpoint) Decode() (Role, string, error) {
	for i := 0; i < len(e); i++ {
		if e[i] == '@' {
			return Role(e[:i]), string(e[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("imagesvc: malformed endpoint %q", e)
}

// Service is the contract every orchestrator in pkg/service depends on.
// Handle values of 0 or -1 denote failure, matching the upstream's
// sentinel return codes (storage_action.py's create_qcow_snapshot).
type Service interface {
	// Create opens target for writing, given the ordered chain of
	// images that must be stacked beneath it, and returns a raw handle
	// plus the endpoint that served the request.
	Create(ctx context.Context, role Role, target ImageRef, chain []ImageRef, diskBytes int64, flag string) (rawHandle int64, endpoint Endpoint, err error)

	// Open opens the ordered chain of images for reading.
	Open(ctx context.Context, chain []ImageRef, flag string) (rawHandle int64, endpoint Endpoint, err error)

	// Close closes a handle previously returned by Create or Open,
	// routed back to the proxy named by endpoint. endpoint is the
	// string form of an Endpoint, accepted as a plain string so
	// *HTTPClient and *Fake also satisfy pkg/handlepool.RawCloser
	// without an adapter.
	Close(ctx context.Context, rawHandle int64, endpoint string) error

	// DelSnaport deletes one snapshot within ref.Path; ErrInUse signals
	// the image is still in use and recycling must retry later.
	DelSnaport(ctx context.Context, ref ImageRef) error

	// RemoveFile deletes the entire on-disk image at ref.Path, matching
	// storage_action.DiskSnapshotAction.remove_cdp_file/remove_qcow_file.
	RemoveFile(ctx context.Context, ref ImageRef, cdp bool) error

	// DeleteSnapshot removes one snapshot point from within a qcow file
	// without deleting the file, matching delete_qcow_snapshot.
	DeleteSnapshot(ctx context.Context, ref ImageRef) error

	// MergeCDP folds the ordered CDP snapshots in merge into target,
	// physically built on top of the dependency chain, matching
	// merge_cdp_to_qcow.
	MergeCDP(ctx context.Context, chain []ImageRef, merge []ImageRef, target ImageRef, flag string) error

	// MergeQcowHash folds the metadata of children fully contained in
	// one qcow file into target without moving any data, matching
	// merge_qcow_hash.
	MergeQcowHash(ctx context.Context, children []ImageRef, target ImageRef) error

	// MoveData physically moves from's data into the write chain ending
	// at target, matching move_data_from_qcow.
	MoveData(ctx context.Context, from ImageRef, chain []ImageRef, target ImageRef, flag string) error
}

// ErrInUse is returned by DelSnaport when the target snapshot is still
// referenced, matching the upstream's returned == -2 branch.
var ErrInUse = fmt.Errorf("imagesvc: snapshot in use")
