package bus

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reliability 可靠性
type Reliability string

// Durability 持久性
type Durability string

const (
	BestEffort Reliability = "best_effort"
	Reliable   Reliability = "reliable"

	// Volatile 迟加入的订阅者只能收到订阅之后的数据
	Volatile Durability = "volatile"
	// TransientLocal 迟加入的订阅者会先收到每个存活实例的最新值
	TransientLocal Durability = "transient_local"
)

// 默认 profile 名
const (
	ProfileParticipant            = "participant"
	ProfileParticipantNoMulticast = "participant_no_multicast"
	ProfileStreaming              = "streaming"
	ProfilePatientDevices         = "patient_devices"
	ProfileAlarm                  = "alarm"
)

const (
	defaultHistoryDepth      = 1
	defaultMaxSamplesPerTake = 256
)

//go:embed qos_profiles.yaml
var defaultProfileDocument []byte

// Profile QoS profile
type Profile struct {
	Name     string `yaml:"-"`
	BaseName string `yaml:"base_name,omitempty"`

	// participant profile
	Discovery    string   `yaml:"discovery,omitempty"`
	InitialPeers []string `yaml:"initial_peers,omitempty"`

	// topic / reader / writer profile
	Reliability       Reliability `yaml:"reliability,omitempty"`
	Durability        Durability  `yaml:"durability,omitempty"`
	HistoryDepth      int         `yaml:"history_depth,omitempty"`
	MaxSamples        int         `yaml:"max_samples,omitempty"`
	MaxInstances      int         `yaml:"max_instances,omitempty"`
	MaxSamplesPerTake int         `yaml:"max_samples_per_take,omitempty"`
	UnregisterOnClose *bool       `yaml:"unregister_on_close,omitempty"`
}

// Durable 迟加入的读者是否能收到所有存活实例的当前值
func (p Profile) Durable() bool { return p.Durability == TransientLocal }

// ShouldUnregisterOnClose 写者关闭时是否注销所有实例（默认 true）
func (p Profile) ShouldUnregisterOnClose() bool {
	return p.UnregisterOnClose == nil || *p.UnregisterOnClose
}

func (p Profile) withDefaults() Profile {
	if p.Reliability == "" {
		p.Reliability = BestEffort
	}
	if p.Durability == "" {
		p.Durability = Volatile
	}
	if p.HistoryDepth <= 0 {
		p.HistoryDepth = defaultHistoryDepth
	}
	if p.MaxSamplesPerTake <= 0 {
		p.MaxSamplesPerTake = defaultMaxSamplesPerTake
	}
	return p
}

// overlay 用 child 的非零字段覆盖 base
func overlay(base, child Profile) Profile {
	out := base
	out.Name = child.Name
	out.BaseName = child.BaseName
	if child.Discovery != "" {
		out.Discovery = child.Discovery
	}
	if len(child.InitialPeers) > 0 {
		out.InitialPeers = child.InitialPeers
	}
	if child.Reliability != "" {
		out.Reliability = child.Reliability
	}
	if child.Durability != "" {
		out.Durability = child.Durability
	}
	if child.HistoryDepth != 0 {
		out.HistoryDepth = child.HistoryDepth
	}
	if child.MaxSamples != 0 {
		out.MaxSamples = child.MaxSamples
	}
	if child.MaxInstances != 0 {
		out.MaxInstances = child.MaxInstances
	}
	if child.MaxSamplesPerTake != 0 {
		out.MaxSamplesPerTake = child.MaxSamplesPerTake
	}
	if child.UnregisterOnClose != nil {
		out.UnregisterOnClose = child.UnregisterOnClose
	}
	return out
}

type profileDocument struct {
	Libraries map[string]map[string]Profile `yaml:"libraries"`
}

// ProfileSet 已加载的 QoS profile 库集合
type ProfileSet struct {
	libraries map[string]map[string]Profile
}

// LoadProfiles 加载内置 profile 文档以及 sources 中列出的文档
// source 可以是 file:// URL 或本地路径；同名 profile 以后加载的为准
func LoadProfiles(sources []string) (*ProfileSet, error) {
	set := &ProfileSet{libraries: make(map[string]map[string]Profile)}
	if err := set.merge(defaultProfileDocument); err != nil {
		return nil, fmt.Errorf("failed to parse built-in qos profiles: %w", err)
	}

	for _, source := range sources {
		path := strings.TrimPrefix(source, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read qos profile source %s: %w", source, err)
		}
		if err := set.merge(data); err != nil {
			return nil, fmt.Errorf("failed to parse qos profile source %s: %w", source, err)
		}
	}

	return set, nil
}

func (s *ProfileSet) merge(data []byte) error {
	var doc profileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for libName, profiles := range doc.Libraries {
		lib, ok := s.libraries[libName]
		if !ok {
			lib = make(map[string]Profile)
			s.libraries[libName] = lib
		}
		for name, p := range profiles {
			p.Name = name
			lib[name] = p
		}
	}
	return nil
}

// Lookup 按库名和 profile 名解析 profile（展开 base_name 继承并填充默认值）
func (s *ProfileSet) Lookup(library, name string) (Profile, error) {
	p, err := s.resolve(library, name, map[string]bool{})
	if err != nil {
		return Profile{}, err
	}
	return p.withDefaults(), nil
}

func (s *ProfileSet) resolve(library, name string, seen map[string]bool) (Profile, error) {
	lib, ok := s.libraries[library]
	if !ok {
		return Profile{}, fmt.Errorf("%w: library %s", ErrUnknownProfile, library)
	}
	p, ok := lib[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s::%s", ErrUnknownProfile, library, name)
	}
	if p.BaseName == "" {
		return p, nil
	}
	qualified := library + "::" + name
	if seen[qualified] {
		return Profile{}, fmt.Errorf("qos profile %s has a cyclic base_name", qualified)
	}
	seen[qualified] = true

	baseLib, baseName := library, p.BaseName
	if i := strings.Index(p.BaseName, "::"); i >= 0 {
		baseLib, baseName = p.BaseName[:i], p.BaseName[i+2:]
	}
	base, err := s.resolve(baseLib, baseName, seen)
	if err != nil {
		return Profile{}, err
	}
	return overlay(base, p), nil
}
