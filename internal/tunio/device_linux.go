//go:build linux

package tunio

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// OpenDevice creates and brings up a Linux TUN device named name with
// the given MTU, matching the reference implementation's open_tun
// (spec §1's "TUN device: creation/destruction... out of scope";
// this repo supplies the one Linux collaborator anyway since it's a
// thin wrapper over the already-vendored wireguard-go tun package).
func OpenDevice(name string, mtu int) (Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tunio: create tun %q: %w", name, err)
	}
	return dev, nil
}
