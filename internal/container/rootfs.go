package container

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/moltbunker/locker/internal/hosts"
	"github.com/moltbunker/locker/internal/logging"
	"github.com/moltbunker/locker/internal/networking"
	"github.com/moltbunker/locker/pkg/types"
)

// Files inside the root file system that receive nameserver entries. They
// are overwritten but never created.
var resolvFiles = []string{
	"etc/resolv.conf",
	"etc/resolvconf/resolv.conf.d/base",
}

// hostnameAddr carries the container's own names in its hosts file.
var hostnameAddr = netip.MustParseAddr("127.0.1.1")

func vethName(name string) string {
	return networking.IfaceName("", name)
}

// rootfsPath resolves rel inside the container root file system without
// following symlinks out of it.
func (c *Container) rootfsPath(ctx context.Context, rel string) (string, error) {
	rootfs, err := c.backend().RootfsPath(ctx, c.name)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(rootfs, rel)
}

// volumes returns the parsed volume directives, logging and dropping
// malformed ones.
func (c *Container) volumes() []types.Volume {
	var out []types.Volume
	for _, raw := range c.spec.Volumes {
		vol, err := types.ParseVolume(raw, c.vars())
		if err != nil {
			c.log.Warn("invalid volume specification", logging.Err(err))
			continue
		}
		out = append(out, vol)
	}
	return out
}

// writeMountTable writes one bind mount line per volume to the backend's
// mount table. Container paths are relative to the root file system.
func (c *Container) writeMountTable(ctx context.Context) error {
	path, err := c.backend().MountTablePath(ctx, c.name)
	if err != nil {
		return fmt.Errorf("locate mount table: %w", err)
	}
	c.log.Debug("generating mount table", "path", path)

	var b strings.Builder
	for _, vol := range c.volumes() {
		line := fmt.Sprintf("%s %s none bind 0 0\n", vol.Host, strings.TrimPrefix(vol.Container, "/"))
		c.log.Debug("adding mount", "entry", strings.TrimSpace(line))
		b.WriteString(line)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write mount table: %w", err)
	}
	return nil
}

// setHostname writes the FQDN and hostname into the container's hosts and
// hostname files.
func (c *Container) setHostname(ctx context.Context) []FileResult {
	if c.spec.FQDN == "" {
		c.log.Debug("empty fqdn")
		return nil
	}
	hostname := c.spec.Hostname()

	var results []FileResult
	hostsPath, err := c.rootfsPath(ctx, "etc/hosts")
	if err != nil {
		return []FileResult{{Path: "etc/hosts", Err: err}}
	}
	results = append(results, FileResult{Path: hostsPath, Err: editHosts(hostsPath, func(f *hosts.File) error {
		return f.Set(hostnameAddr, dedupe([]string{c.spec.FQDN, hostname}), "")
	})})

	hostnamePath, err := c.rootfsPath(ctx, "etc/hostname")
	if err == nil {
		err = os.WriteFile(hostnamePath, []byte(hostname+"\n"), 0644)
	}
	results = append(results, FileResult{Path: hostnamePath, Err: err})
	return results
}

// editHosts loads the hosts file at path, or starts an empty one when it
// does not exist, applies fn and saves the result. Underscores are
// accepted in names since project container names contain them.
func editHosts(path string, fn func(*hosts.File) error) error {
	f, err := hosts.Load(path, true)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = hosts.New(path, true), nil
	}
	if err != nil {
		return err
	}
	fnErr := fn(f)
	if err := f.Save(path); err != nil {
		return err
	}
	return fnErr
}

// resolveDNS returns the nameservers of the container: its own entries
// first, then the project defaults, without duplicates.
func (c *Container) resolveDNS() []netip.Addr {
	var (
		out  []netip.Addr
		seen = make(map[netip.Addr]bool)
	)
	add := func(addrs ...netip.Addr) {
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}

	for _, entry := range dedupe(append(append([]string(nil), c.spec.DNS...), c.env.Defaults.DNS...)) {
		switch entry {
		case types.DNSBridge:
			gw, err := c.env.Network.Gateway()
			if err != nil {
				c.log.Warn("no bridge address for DNS", logging.Err(err))
				continue
			}
			add(gw)
		case types.DNSCopy:
			if c.env.HostNameservers == nil {
				continue
			}
			addrs, err := c.env.HostNameservers()
			if err != nil {
				c.log.Warn("could not read host nameservers", logging.Err(err))
				continue
			}
			add(addrs...)
		default:
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				c.log.Warn("invalid DNS address specified", "dns", entry)
				continue
			}
			add(addr)
		}
	}
	return out
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// writeResolvConf replaces the content of the resolver files that exist in
// the root file system.
func (c *Container) writeResolvConf(ctx context.Context, dns []netip.Addr) []FileResult {
	c.log.Debug("enabling name resolution", "dns", dns)
	var b strings.Builder
	for _, addr := range dns {
		fmt.Fprintf(&b, "nameserver %s\n", addr)
	}
	b.WriteString("\n")

	var results []FileResult
	for _, rel := range resolvFiles {
		path, err := c.rootfsPath(ctx, rel)
		if err != nil {
			results = append(results, FileResult{Path: rel, Err: err})
			continue
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
		if errors.Is(err, fs.ErrNotExist) {
			c.log.Debug("resolver file missing, not creating it", "path", path)
			continue
		}
		if err == nil {
			_, err = f.WriteString(b.String())
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		results = append(results, FileResult{Path: path, Err: err})
	}
	return results
}

// migrateVolumes moves directories declared as volumes out of the new root
// file system to their host paths, so bind mounts start with the content
// the image shipped with.
func (c *Container) migrateVolumes(ctx context.Context) error {
	vols := c.volumes()
	if len(vols) == 0 {
		c.log.Debug("no volumes defined")
		return nil
	}
	for _, vol := range vols {
		inner, err := c.rootfsPath(ctx, vol.Container)
		if err != nil {
			return err
		}
		c.migrateVolume(ctx, vol.Host, inner)
	}
	return nil
}

func (c *Container) migrateVolume(ctx context.Context, outside, inside string) {
	if _, err := os.Lstat(outside); err == nil {
		c.log.Warn("directory exists on host system, skipping", "path", outside)
		return
	}
	innerInfo, innerErr := os.Stat(inside)
	if innerErr == nil && !innerInfo.IsDir() {
		c.log.Warn("files are not supported, skipping", "path", inside)
		return
	}

	parent := filepath.Dir(outside)
	if _, err := os.Stat(parent); err == nil {
		if !c.env.Options.DontAsk {
			ok, err := c.confirm(fmt.Sprintf("Host directory %s exists. Move %s into it?", parent, filepath.Base(outside)))
			if err != nil || !ok {
				c.log.Info("skipping volume", "path", outside, logging.Err(err))
				return
			}
		}
	} else if err := os.MkdirAll(parent, 0755); err != nil {
		c.log.Error("could not create parent directory on host system", "path", parent, logging.Err(err))
		return
	} else {
		c.log.Debug("created parent directory on host system", "path", parent)
	}

	if innerErr == nil {
		c.log.Debug("moving directory", "from", inside, "to", outside)
		if err := c.moveDir(ctx, inside, outside); err != nil {
			c.log.Error("could not move directory", logging.Err(err))
			return
		}
		if err := os.Mkdir(inside, innerInfo.Mode().Perm()); err != nil {
			c.log.Error("could not create directory in the container", "path", inside, logging.Err(err))
		}
		return
	}

	if err := os.MkdirAll(outside, 0755); err != nil {
		c.log.Error("could not create directory on host system", "path", outside, logging.Err(err))
		return
	}
	c.log.Info("created empty directory on host system", "path", outside)
	if err := os.MkdirAll(inside, 0755); err != nil {
		c.log.Error("could not create directory in the container", "path", inside, logging.Err(err))
		return
	}
	c.log.Info("created empty directory in the container", "path", inside)
}

// moveDir renames src to dst, copying with cp -a when they are on
// different file systems so ownership and modes survive.
func (c *Container) moveDir(ctx context.Context, src, dst string) error {
	err := os.Rename(src, dst)
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if _, err := c.env.Runner.Run(ctx, "cp", "-a", src, dst); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return os.RemoveAll(src)
}
