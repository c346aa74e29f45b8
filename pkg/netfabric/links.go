package netfabric

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Links is the subset of host link management the fabric needs.
type Links interface {
	Exists(name string) (bool, error)
	AddTap(name string, owner uint32) error
	AddBridge(name string) error
	SetUp(name string) error
	SetMaster(name, bridge string) error
}

// NetlinkLinks manages links in the current network namespace over rtnetlink.
type NetlinkLinks struct{}

func (NetlinkLinks) Exists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (NetlinkLinks) AddTap(name string, owner uint32) error {
	return netlink.LinkAdd(tapAttrs(name, owner))
}

// tapAttrs describes a persistent tap owned by owner. netlink always issues TUNSETGROUP,
// so Group must be a gid the kernel accepts; 0 keeps the root group.
func tapAttrs(name string, owner uint32) *netlink.Tuntap {
	return &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_VNET_HDR | netlink.TUNTAP_NO_PI,
		Owner:     owner,
	}
}

func (NetlinkLinks) AddBridge(name string) error {
	return netlink.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}})
}

func (NetlinkLinks) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (NetlinkLinks) SetMaster(name, bridge string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	master, err := netlink.LinkByName(bridge)
	if err != nil {
		return err
	}
	return netlink.LinkSetMaster(link, master)
}

// ResolveOwner maps a user name or numeric uid to a uid. Empty means the current user.
func ResolveOwner(owner string) (uint32, error) {
	if owner == "" {
		return uint32(unix.Getuid()), nil
	}
	if uid, err := strconv.ParseUint(owner, 10, 32); err == nil {
		return uint32(uid), nil
	}
	u, err := user.Lookup(owner)
	if err != nil {
		return 0, fmt.Errorf("lookup tap owner %q: %w", owner, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uid of %q: %w", owner, err)
	}
	return uint32(uid), nil
}
