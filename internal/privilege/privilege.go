// Package privilege drops root privileges and optionally chroots,
// matching the reference implementation's do_chroot/setgroups+setgid+
// setuid sequence (spec §6, §9.1's supplemented bring-up ordering):
// chroot happens first (it needs the old root still visible), then
// group and user are switched, in that order, since dropping the uid
// first would forfeit the permission needed to change the gid.
package privilege

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Chroot changes the process's root directory to dir. It must be
// called while still running as root, before Drop.
func Chroot(dir string) error {
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("privilege: chroot %q: %w", dir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("privilege: chdir / after chroot: %w", err)
	}
	return nil
}

// Drop permanently switches the process's group and user to the ones
// named by username, in that order. Once it returns successfully the
// process can never reacquire root.
func Drop(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("privilege: lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privilege: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("privilege: parse gid %q: %w", u.Gid, err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("privilege: setgroups(%d): %w", gid, err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privilege: setgid(%d): %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privilege: setuid(%d): %w", uid, err)
	}
	return nil
}
