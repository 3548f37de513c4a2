package server

import (
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/mdns"

	"github.com/izzyreal/otastage/internal/version"
)

const (
	mdnsService = "_otastage._tcp"
	defaultPort = "8113"
)

func startMDNSAdvertiser(serverAddr, instance, installed string) func() {
	port := listenPortFromAddr(serverAddr)
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum <= 0 {
		slog.Warn("mdns advertising disabled, no usable port", "addr", serverAddr)
		return func() {}
	}

	instance = mdnsInstanceName(instance)
	service, err := mdns.NewMDNSService(instance, mdnsService, "", "", portNum, discoverAdvertiseIPs(), advertiseMeta(installed))
	if err != nil {
		slog.Error("mdns advertise service setup failed", "error", err)
		return func() {}
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		slog.Error("mdns advertise start failed", "error", err)
		return func() {}
	}
	slog.Info("mdns advertising enabled", "service", mdnsService, "instance", instance, "port", port)

	return func() {
		server.Shutdown()
	}
}

func mdnsInstanceName(configured string) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	host, _ := os.Hostname()
	if strings.TrimSpace(host) == "" {
		return "otastage"
	}
	return "otastage-" + host
}

func advertiseMeta(installed string) []string {
	meta := []string{
		"name=otastage",
		"api_version=1",
		"version=" + version.Current(),
	}
	if installed != "" {
		meta = append(meta, "installed="+installed)
	}
	return meta
}

func discoverAdvertiseIPs() []net.IP {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterAdvertiseIPs(ifAddrs)
}

// filterAdvertiseIPs drops loopback and link-local addresses and orders IPv4
// before IPv6.
func filterAdvertiseIPs(addrs []net.Addr) []net.IP {
	seen := map[string]struct{}{}
	out := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet == nil || ipNet.IP == nil {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		normalized := ip.To16()
		if normalized == nil {
			continue
		}
		key := normalized.String()
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool {
		ai := out[i].To4() != nil
		aj := out[j].To4() != nil
		if ai != aj {
			return ai
		}
		return out[i].String() < out[j].String()
	})
	return out
}

func listenPortFromAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return defaultPort
	}
	if strings.HasPrefix(addr, ":") {
		return strings.TrimPrefix(addr, ":")
	}
	if !strings.Contains(addr, ":") {
		return addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return p
}
