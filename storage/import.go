package storage

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"smartconnect/structs"
)

var errNotShareLink = errors.New("not a share link")

// ImportConfigs appends the servers described by the blobs to the list. Blobs are share
// links (scheme://[user@]host:port[?query][#remarks]) or vmess:// base64 JSON. Duplicates
// of stored servers are skipped. It returns the number of servers added.
func (fs *FileStore) ImportConfigs(blobs []structs.ConfigBlob) (int, error) {
	var parsed []structs.ServerProfile
	failed := 0
	for _, b := range blobs {
		p, err := ParseShareLink(string(b))
		if err != nil {
			failed++
			log.Warnf("[Store] skipping config blob: %v", err)
			continue
		}
		parsed = append(parsed, p)
	}
	if len(parsed) == 0 && failed > 0 {
		return 0, fmt.Errorf("none of %d config blobs could be imported", failed)
	}

	fs.profileLock.Lock()
	defer fs.profileLock.Unlock()
	known := make(map[string]bool, len(fs.profiles))
	for _, p := range fs.profiles {
		known[p.ID] = true
	}
	added := 0
	for _, p := range parsed {
		if known[p.ID] {
			continue
		}
		known[p.ID] = true
		fs.profiles = append(fs.profiles, p)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := fs.writeProfilesLocked(); err != nil {
		return 0, err
	}
	log.Infof("[Store] imported %d servers (%d skipped)", added, len(blobs)-added)
	return added, nil
}

// ParseShareLink turns one share link into a profile. The id is derived from the link
// text, so importing the same link twice yields the same id.
func ParseShareLink(raw string) (structs.ServerProfile, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return structs.ServerProfile{}, errNotShareLink
	}
	if rest, ok := strings.CutPrefix(raw, "vmess://"); ok {
		if p, err := parseVmess(rest); err == nil {
			p.ID = hashOf([]byte(raw))[:16]
			return p, nil
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return structs.ServerProfile{}, fmt.Errorf("%w: %v", errNotShareLink, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return structs.ServerProfile{}, fmt.Errorf("%w: %.32q", errNotShareLink, raw)
	}
	port, err := parsePort(u.Port())
	if err != nil {
		return structs.ServerProfile{}, err
	}
	return structs.ServerProfile{
		ID:          hashOf([]byte(raw))[:16],
		Remarks:     u.Fragment,
		Address:     u.Hostname(),
		Port:        port,
		Protocol:    strings.ToLower(u.Scheme),
		LastLatency: structs.Unreachable,
	}, nil
}

type vmessLink struct {
	Remarks string          `json:"ps"`
	Address string          `json:"add"`
	Port    json.RawMessage `json:"port"`
}

func parseVmess(encoded string) (structs.ServerProfile, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return structs.ServerProfile{}, err
	}
	var v vmessLink
	if err := json.Unmarshal(data, &v); err != nil {
		return structs.ServerProfile{}, err
	}
	if v.Address == "" {
		return structs.ServerProfile{}, fmt.Errorf("%w: vmess without address", errNotShareLink)
	}
	port, err := parsePort(strings.Trim(string(v.Port), `"`))
	if err != nil {
		return structs.ServerProfile{}, err
	}
	return structs.ServerProfile{
		Remarks:     v.Remarks,
		Address:     v.Address,
		Port:        port,
		Protocol:    "vmess",
		LastLatency: structs.Unreachable,
	}, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", errNotShareLink, s)
	}
	return port, nil
}
