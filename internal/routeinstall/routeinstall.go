// Package routeinstall installs static routes for an allow-listed set of
// destination networks through a gateway, ported from the original
// add_route_with_if/add_route_with_gw/add_ipset helpers (which shelled
// out to the platform "route" command); this port shells out to the
// platform-appropriate routing tool instead of reimplementing the
// routing table syscalls.
package routeinstall

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Entry is one "address/prefixlen" line from an allow-list file.
type Entry struct {
	Address string
	Netmask string
}

// LoadAllowList reads an allow-list file where every non-blank,
// non-comment line has the form "address/prefixlen", mirroring
// add_ipset's line format.
func LoadAllowList(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("routeinstall: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("routeinstall: malformed line %q", line)
		}
		entries = append(entries, Entry{Address: parts[0], Netmask: parts[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("routeinstall: scan %s: %w", path, err)
	}
	return entries, nil
}

// InstallViaGateway adds a route for every entry in list through gw,
// logging (not failing) on a per-entry error so one bad line doesn't
// abort the rest of the allow list, matching add_ipset's tolerance of
// individual route failures.
func InstallViaGateway(list []Entry, gw string) {
	for _, e := range list {
		if err := addRouteViaGateway(e.Address, e.Netmask, gw); err != nil {
			log.Printf("[routeinstall] route add %s/%s via %s failed: %v", e.Address, e.Netmask, gw, err)
		}
	}
}

// addRouteViaGateway shells out to the platform route tool, mirroring
// add_route_with_gw.
func addRouteViaGateway(address, netmask, gw string) error {
	switch runtime.GOOS {
	case "windows":
		return run("route", "add", address, "mask", netmask, gw, "METRIC", "1")
	case "linux":
		prefix, err := netmaskToPrefix(netmask)
		if err != nil {
			return err
		}
		return run("ip", "route", "add", fmt.Sprintf("%s/%d", address, prefix), "via", gw)
	default:
		return fmt.Errorf("routeinstall: unsupported platform %s", runtime.GOOS)
	}
}

// AddRouteViaInterface adds a route for address/netmask directed out a
// specific interface index rather than a gateway, mirroring
// add_route_with_if (used for the relay's own route so outbound relay
// traffic bypasses the TUN interface).
func AddRouteViaInterface(address, netmask string, ifIndex uint32) error {
	switch runtime.GOOS {
	case "windows":
		return run("route", "add", address, "mask", netmask, "0.0.0.0", "METRIC", "1", "IF", fmt.Sprintf("%d", ifIndex))
	case "linux":
		prefix, err := netmaskToPrefix(netmask)
		if err != nil {
			return err
		}
		return run("ip", "route", "add", fmt.Sprintf("%s/%d", address, prefix), "dev", fmt.Sprintf("%d", ifIndex))
	default:
		return fmt.Errorf("routeinstall: unsupported platform %s", runtime.GOOS)
	}
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func netmaskToPrefix(netmask string) (int, error) {
	prefix, err := strconv.Atoi(netmask)
	if err != nil {
		return 0, fmt.Errorf("routeinstall: netmask %q is not a prefix length: %w", netmask, err)
	}
	return prefix, nil
}
