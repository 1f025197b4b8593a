// Package vmm wraps libvirt domain management for ephemeral session
// containers: defining and starting a domain from a disk image, resolving
// its DHCP-leased IP address, and tearing it down.
package vmm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	libvirt "libvirt.org/go/libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// ErrDomainUnreachable is returned when a domain's IP could not be resolved
// from the DHCP lease table within the configured number of tryouts.
var ErrDomainUnreachable = errors.New("vmm: domain did not obtain a lease in time")

// ErrDomainAlreadyStopped is returned by Stop on a domain that is not running.
var ErrDomainAlreadyStopped = errors.New("vmm: domain already stopped")

// Handle identifies a defined domain.
type Handle struct {
	Name string
	UUID string
	MAC  string
}

// Config describes a domain to define and start.
type Config struct {
	Name             string
	ISOFilePath      string
	MemoryMB         int
	VCPUs            int
	NATInterfaceName string
}

// renderDomainXML builds the libvirt domain definition for cfg/mac as a
// libvirtxml.Domain struct and marshals it, rather than hand-assembling XML
// text; the struct gives us compile-time field names and leaves escaping
// to the marshaler.
func renderDomainXML(cfg Config, mac string) (string, error) {
	domain := &libvirtxml.Domain{
		Type:   "kvm",
		Name:   cfg.Name,
		Memory: &libvirtxml.DomainMemory{Value: uint(cfg.MemoryMB), Unit: "MiB"},
		VCPU:   &libvirtxml.DomainVCPU{Value: cfg.VCPUs},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{Arch: "x86_64", Type: "hvm"},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "cdrom"},
			},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: cfg.ISOFilePath},
					},
					Target:   &libvirtxml.DomainDiskTarget{Dev: "hda", Bus: "ide"},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: cfg.NATInterfaceName},
					},
					MAC:   &libvirtxml.DomainInterfaceMAC{Address: mac},
					Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}}},
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("vmm: marshal domain xml: %w", err)
	}
	return xml, nil
}

// VMM is the virtualization adapter surface consumed by the engine. It is
// deliberately narrow: the engine never touches libvirt directly.
type VMM interface {
	CreateAndStart(cfg Config) (Handle, error)
	AwaitIP(ctx context.Context, h Handle, maxTryouts int) (net.IP, error)
	Stop(h Handle) error
	IsRunning(h Handle) bool
	Close() error
}

// LibvirtVMM implements VMM against a real libvirt daemon connection.
type LibvirtVMM struct {
	uri     string
	mu      sync.Mutex
	conn    *libvirt.Connect
	domains map[string]*libvirt.Domain // keyed by Handle.Name
}

// Dial connects to a libvirt daemon (e.g. "qemu:///system").
func Dial(uri string) (*LibvirtVMM, error) {
	if uri == "" {
		uri = "qemu:///system"
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("vmm: connect to %s: %w", uri, err)
	}
	return &LibvirtVMM{
		uri:     uri,
		conn:    conn,
		domains: make(map[string]*libvirt.Domain),
	}, nil
}

// CreateAndStart defines and starts a new ephemeral domain.
func (v *LibvirtVMM) CreateAndStart(cfg Config) (Handle, error) {
	mac := deriveMACAddress(cfg.Name)

	xml, err := renderDomainXML(cfg, mac)
	if err != nil {
		return Handle{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	dom, err := v.conn.DomainDefineXMLFlags(xml, libvirt.DOMAIN_DEFINE_VALIDATE)
	if err != nil {
		return Handle{}, fmt.Errorf("vmm: define domain: %w", err)
	}

	if err := dom.Create(); err != nil {
		dom.Undefine()
		dom.Free()
		return Handle{}, fmt.Errorf("vmm: start domain: %w", err)
	}

	uuid, err := dom.GetUUIDString()
	if err != nil {
		uuid = ""
	}

	v.domains[cfg.Name] = dom
	return Handle{Name: cfg.Name, UUID: uuid, MAC: mac}, nil
}

// AwaitIP polls the NAT network's DHCP lease table for h's MAC address,
// retrying up to maxTryouts times with a one-second pause between attempts,
// the same retry discipline the endpoint shell dial loop uses.
func (v *LibvirtVMM) AwaitIP(ctx context.Context, h Handle, maxTryouts int) (net.IP, error) {
	if maxTryouts <= 0 {
		maxTryouts = 20
	}

	for attempt := 0; attempt < maxTryouts; attempt++ {
		ip, err := v.leaseForMAC(h.MAC)
		if err == nil {
			return ip, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, ErrDomainUnreachable
}

func (v *LibvirtVMM) leaseForMAC(mac string) (net.IP, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	nets, err := v.conn.ListAllNetworks(0)
	if err != nil {
		return nil, fmt.Errorf("vmm: list networks: %w", err)
	}
	for _, n := range nets {
		leases, err := n.GetDHCPLeases()
		n.Free()
		if err != nil {
			continue
		}
		for _, lease := range leases {
			if lease.Mac == mac && lease.IPaddr != "" {
				return net.ParseIP(lease.IPaddr), nil
			}
		}
	}
	return nil, errors.New("vmm: no lease found yet")
}

// Stop destroys and undefines a domain, freeing its libvirt resources. It is
// idempotent: stopping an already-stopped domain returns ErrDomainAlreadyStopped.
func (v *LibvirtVMM) Stop(h Handle) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dom, ok := v.domains[h.Name]
	if !ok {
		var err error
		dom, err = v.conn.LookupDomainByName(h.Name)
		if err != nil {
			return ErrDomainAlreadyStopped
		}
	}
	defer func() {
		dom.Free()
		delete(v.domains, h.Name)
	}()

	active, _ := dom.IsActive()
	if active {
		if err := dom.Destroy(); err != nil {
			return fmt.Errorf("vmm: destroy domain: %w", err)
		}
	}
	if err := dom.Undefine(); err != nil {
		return fmt.Errorf("vmm: undefine domain: %w", err)
	}
	return nil
}

// IsRunning reports whether h's domain is currently active. Used by the
// reaper to detect a domain that shut itself down from inside the guest.
func (v *LibvirtVMM) IsRunning(h Handle) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	dom, ok := v.domains[h.Name]
	if !ok {
		var err error
		dom, err = v.conn.LookupDomainByName(h.Name)
		if err != nil {
			return false
		}
		defer dom.Free()
	}
	active, err := dom.IsActive()
	return err == nil && active
}

// Close disconnects from libvirt. It frees local domain handles only; it
// does not stop any domain that is still active. Callers must Stop (or have
// the engine reclaim) every handle before calling Close, or the domain is
// leaked.
func (v *LibvirtVMM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, dom := range v.domains {
		dom.Free()
	}
	v.domains = nil
	_, err := v.conn.Close()
	return err
}

// ChecksumISO computes the SHA-256 checksum of a local disk image. Hashing a
// local file needs no codec beyond the standard library.
func ChecksumISO(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("vmm: open iso: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("vmm: checksum iso: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func deriveMACAddress(name string) string {
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}
