package status

import (
	"bufio"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// ReadNetworkInfo builds network info from the pi-helper environment.
// Returns nil when pi-helper has not reported a status.
func ReadNetworkInfo(getenv func(string) string) *NetworkInfo {
	s := getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &NetworkInfo{
		Type:       getenv(envNetworkType),
		IP:         getenv(envNetworkIP),
		Status:     s,
		Gateway:    getenv(envNetworkGateway),
		WifiStatus: getenv(envNetworkWifiStatus),
		SSID:       getenv(envNetworkWifiSSID),
	}
}

// HealthReader samples device health from a procfs tree.
type HealthReader struct {
	fsys fs.FS
}

// NewHealthReader reads from the host's /proc.
func NewHealthReader() *HealthReader {
	return &HealthReader{fsys: os.DirFS("/proc")}
}

// NewHealthReaderFS reads from fsys, which stands in for /proc.
func NewHealthReaderFS(fsys fs.FS) *HealthReader {
	return &HealthReader{fsys: fsys}
}

// Read samples available memory and wireless link quality.
// Missing files leave the corresponding field at its unknown value.
func (r *HealthReader) Read() Health {
	h := Health{LinkQuality: -1}
	if kb, ok := r.memAvailable(); ok {
		h.MemAvailableKB = kb
	}
	if q, ok := r.linkQuality(); ok {
		h.LinkQuality = q
	}
	return h
}

func (r *HealthReader) memAvailable() (int64, bool) {
	f, err := r.fsys.Open("meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

// linkQuality reads the first interface in net/wireless. The quality column
// is printed with a trailing dot, e.g. "wlan0: 0000   58.  -52.  -256".
func (r *HealthReader) linkQuality() (int, bool) {
	f, err := r.fsys.Open("net/wireless")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, ":") || strings.HasPrefix(strings.TrimSpace(line), "Inter-") {
			continue
		}
		_, rest, _ := strings.Cut(line, ":")
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "."), 64)
		if err != nil {
			continue
		}
		return int(q), true
	}
	return 0, false
}
