package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"smartconnect/structs"
)

// SettingSelectedServer holds the id of the selected profile in settings.json
const SettingSelectedServer = "selected_server"

// FileStore keeps the server list and settings as JSON files in a data directory
type FileStore struct {
	dataDir      string
	profilesFile string
	settingsFile string

	profileLock  sync.RWMutex
	profiles     []structs.ServerProfile
	profilesHash string

	settingLock sync.RWMutex
	settings    map[string]string
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}
	fs := &FileStore{
		dataDir:      dataDir,
		profilesFile: filepath.Join(dataDir, "profiles.json"),
		settingsFile: filepath.Join(dataDir, "settings.json"),
		settings:     map[string]string{},
	}
	if err := fs.loadProfiles(); err != nil {
		return nil, err
	}
	if err := fs.loadSettings(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) loadProfiles() error {
	fs.profileLock.Lock()
	defer fs.profileLock.Unlock()

	data, err := os.ReadFile(fs.profilesFile)
	if os.IsNotExist(err) {
		fs.profiles = nil
		fs.profilesHash = ""
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fs.profilesFile, err)
	}
	var profiles []structs.ServerProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", fs.profilesFile, err)
	}
	fs.profiles = profiles
	fs.profilesHash = hashOf(data)
	log.Infof("[Store] loaded %d profiles from %s", len(profiles), fs.profilesFile)
	return nil
}

func (fs *FileStore) loadSettings() error {
	fs.settingLock.Lock()
	defer fs.settingLock.Unlock()

	data, err := os.ReadFile(fs.settingsFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fs.settingsFile, err)
	}
	settings := map[string]string{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", fs.settingsFile, err)
	}
	fs.settings = settings
	return nil
}

// GetAllServerProfiles returns a snapshot in persisted order, with Selected filled in
func (fs *FileStore) GetAllServerProfiles() ([]structs.ServerProfile, error) {
	selected, _ := fs.SelectedServer()

	fs.profileLock.RLock()
	defer fs.profileLock.RUnlock()
	out := make([]structs.ServerProfile, len(fs.profiles))
	copy(out, fs.profiles)
	for i := range out {
		out[i].Selected = out[i].ID == selected
	}
	return out, nil
}

// SaveServerProfiles replaces the whole server list
func (fs *FileStore) SaveServerProfiles(profiles []structs.ServerProfile) error {
	fs.profileLock.Lock()
	defer fs.profileLock.Unlock()
	fs.profiles = append([]structs.ServerProfile(nil), profiles...)
	return fs.writeProfilesLocked()
}

// UpdateLatency stores the last measured latency. An id that no longer exists is skipped.
func (fs *FileStore) UpdateLatency(id string, latency structs.Latency) error {
	fs.profileLock.Lock()
	defer fs.profileLock.Unlock()
	for i := range fs.profiles {
		if fs.profiles[i].ID == id {
			fs.profiles[i].LastLatency = latency
			return fs.writeProfilesLocked()
		}
	}
	log.Warnf("[Store] latency for unknown profile %s dropped", id)
	return nil
}

// UpdateLatencies stores a whole probing round with a single write. Unknown ids are skipped.
func (fs *FileStore) UpdateLatencies(latencies map[string]structs.Latency) error {
	fs.profileLock.Lock()
	defer fs.profileLock.Unlock()
	matched := 0
	for i := range fs.profiles {
		if l, ok := latencies[fs.profiles[i].ID]; ok {
			fs.profiles[i].LastLatency = l
			matched++
		}
	}
	if matched < len(latencies) {
		log.Warnf("[Store] latencies for %d unknown profiles dropped", len(latencies)-matched)
	}
	if matched == 0 {
		return nil
	}
	return fs.writeProfilesLocked()
}

func (fs *FileStore) SetSelectedServer(id string) error {
	if !fs.hasProfile(id) {
		return fmt.Errorf("unknown profile %q", id)
	}
	return fs.SetSetting(SettingSelectedServer, id)
}

func (fs *FileStore) SelectedServer() (string, bool) {
	id, ok := fs.GetSetting(SettingSelectedServer)
	return id, ok && id != ""
}

func (fs *FileStore) GetSetting(key string) (string, bool) {
	fs.settingLock.RLock()
	defer fs.settingLock.RUnlock()
	v, ok := fs.settings[key]
	return v, ok
}

func (fs *FileStore) SetSetting(key, value string) error {
	fs.settingLock.Lock()
	defer fs.settingLock.Unlock()
	fs.settings[key] = value
	data, err := json.MarshalIndent(fs.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := writeFileAtomic(fs.settingsFile, data); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// RefreshServerList reloads the server list from disk
func (fs *FileStore) RefreshServerList() error {
	fs.profileLock.RLock()
	before := fs.profilesHash
	fs.profileLock.RUnlock()

	if err := fs.loadProfiles(); err != nil {
		return err
	}

	fs.profileLock.RLock()
	after := fs.profilesHash
	fs.profileLock.RUnlock()
	if before != after {
		log.Infof("[Store] server list changed, hash %s -> %s", before, after)
	}
	return nil
}

// ProfilesHash is the md5 of the persisted server list, empty when there is none
func (fs *FileStore) ProfilesHash() string {
	fs.profileLock.RLock()
	defer fs.profileLock.RUnlock()
	return fs.profilesHash
}

func (fs *FileStore) hasProfile(id string) bool {
	fs.profileLock.RLock()
	defer fs.profileLock.RUnlock()
	for _, p := range fs.profiles {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (fs *FileStore) writeProfilesLocked() error {
	data, err := json.MarshalIndent(fs.profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}
	if err := writeFileAtomic(fs.profilesFile, data); err != nil {
		return fmt.Errorf("failed to write profiles file: %w", err)
	}
	fs.profilesHash = hashOf(data)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func hashOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
