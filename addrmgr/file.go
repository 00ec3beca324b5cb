package addrmgr

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/neterror"
)

// CacheFile is the name of the hosts cache within the configured data
// directory.
const CacheFile = "hosts.cache"

// cachePath resolves the cache location, or empty when persistence is
// disabled.
func (m *Manager) cachePath() string {
	if m.cfg.Path == "" {
		return ""
	}
	return filepath.Join(m.cfg.Path, CacheFile)
}

// Load reads the persisted pool, one "ip port services timestamp" record per
// line. A missing file is a fresh start, not an error; a malformed file
// yields ErrFileLoad with the pool holding whatever parsed cleanly before
// the damage.
func (m *Manager) Load() error {
	path := m.cachePath()
	if path == "" || m.cfg.Capacity == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", neterror.ErrFileLoad, err)
	}
	defer f.Close()

	var loaded []Address
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		addr, err := parseRecord(text)
		if err != nil {
			m.seed(loaded)
			return fmt.Errorf("%w: %s:%d: %v",
				neterror.ErrFileLoad, path, line, err)
		}
		loaded = append(loaded, addr)
	}
	if err := scanner.Err(); err != nil {
		m.seed(loaded)
		return fmt.Errorf("%w: %v", neterror.ErrFileLoad, err)
	}

	m.seed(loaded)
	log.Infof("Loaded %d addresses from %s", len(loaded), path)
	return nil
}

// Persist writes the current pool back to disk atomically.
func (m *Manager) Persist() error {
	path := m.cachePath()
	if path == "" {
		return nil
	}

	m.mtx.Lock()
	records := make([]string, 0, len(m.order))
	for _, authority := range m.order {
		addr := m.addrs[authority]
		records = append(records, formatRecord(addr))
	}
	m.mtx.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: %v", neterror.ErrFileSave, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", neterror.ErrFileSave, err)
	}

	w := bufio.NewWriter(f)
	for _, record := range records {
		if _, err := fmt.Fprintln(w, record); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("%w: %v", neterror.ErrFileSave, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", neterror.ErrFileSave, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", neterror.ErrFileSave, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", neterror.ErrFileSave, err)
	}

	log.Infof("Persisted %d addresses to %s", len(records), path)
	return nil
}

// seed inserts loaded records directly, bypassing the exclusion filter:
// whatever we persisted was admissible when saved, and the filter still
// applies to everything arriving via gossip.
func (m *Manager) seed(addrs []Address) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}
		authority := addr.Authority()
		if _, ok := m.addrs[authority]; ok {
			continue
		}
		if len(m.order) >= m.cfg.Capacity {
			break
		}
		m.insert(authority, addr)
	}

	if len(m.order) > 0 {
		m.grewLocked()
	}
}

// parseRecord decodes one "ip port services timestamp" line.
func parseRecord(text string) (Address, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return Address{}, fmt.Errorf("expected 4 fields, got %d",
			len(fields))
	}

	ip := net.ParseIP(fields[0])
	if ip == nil {
		return Address{}, fmt.Errorf("bad ip %q", fields[0])
	}

	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("bad port %q", fields[1])
	}

	services, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("bad services %q", fields[2])
	}

	unix, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("bad timestamp %q", fields[3])
	}

	return Address{
		IP:        ip,
		Port:      uint16(port),
		Services:  wire.ServiceFlag(services),
		Timestamp: time.Unix(unix, 0),
	}, nil
}

// formatRecord encodes one record line.
func formatRecord(addr Address) string {
	return fmt.Sprintf("%s %d %d %d", addr.IP.String(), addr.Port,
		uint64(addr.Services), addr.Timestamp.Unix())
}
