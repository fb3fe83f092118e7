package qemu

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Invocation profile for the guest VM. The argument set is deliberately
// fixed: a q35 machine with user-mode networking and the guest ssh port
// forwarded to localhost, all console output captured by the supervisor
// and a QMP server socket for shutdown negotiation.

const (
	DefaultCommand = "qemu-system-x86_64"
	DefaultMemGB   = 3
	DefaultSSHPort = 2222
)

// Title derives the VM display name from the disk image: the base name
// with its extension removed. A leading-dot name is kept whole.
func Title(diskImage string) string {
	base := filepath.Base(diskImage)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

// LogFileName returns the session log name for a VM title, created in the
// working directory.
func LogFileName(title string) string {
	return "gemvm_" + title + ".log"
}

// SocketPath returns the QMP control socket path for a supervisor process.
// Keyed by pid so concurrent sessions on one host don't collide.
func SocketPath(pid int) string {
	return filepath.Join("/tmp", fmt.Sprintf(".gemvm_qmp_%d", pid))
}

// FormatMemGB renders a memory size the way QEMU's -m flag expects it,
// without a trailing ".0" for whole numbers.
func FormatMemGB(mem float64) string {
	return strconv.FormatFloat(mem, 'f', -1, 64) + "G"
}

// Args builds the hypervisor argument vector. Arguments are returned as a
// proper vector, so image paths and titles containing spaces survive.
func Args(diskImage, title string, memGB float64, sshPort int, socketPath string) []string {
	return []string{
		"-m", FormatMemGB(memGB),
		"-hda", diskImage,
		"-name", title,
		"-machine", "q35",
		"-smp", "2",
		"-vga", "none",
		"-nographic",
		"-boot", "menu=off",
		"-qmp", "unix:" + socketPath + ",server,nowait",
		"-device", "e1000,netdev=net0",
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp:127.0.0.1:%d-:22", sshPort),
	}
}
