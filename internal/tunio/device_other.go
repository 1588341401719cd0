//go:build !linux

package tunio

import "errors"

// OpenDevice is unimplemented outside Linux: the reference server
// targets BSD/Linux tun(4) semantics, and this repo only wires up the
// Linux collaborator (golang.zx2c4.com/wireguard/tun.CreateTUN).
func OpenDevice(name string, mtu int) (Device, error) {
	return nil, errors.New("tunio: unsupported platform")
}
