package strategy

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

// Category groups protocols by how capital is put to work in them.
type Category string

const (
	CategoryStaking   Category = "staking"
	CategoryLending   Category = "lending"
	CategoryLiquidity Category = "liquidity"
	CategoryVault     Category = "vault"
)

// IncreaseAction is the action that adds capital to a protocol of this category.
func (c Category) IncreaseAction() ActionKind {
	switch c {
	case CategoryLending:
		return ActionLend
	case CategoryLiquidity:
		return ActionAddLiquidity
	case CategoryVault:
		return ActionDeposit
	default:
		return ActionStake
	}
}

// DecreaseAction is the action that frees capital from a protocol of this category.
func (c Category) DecreaseAction() ActionKind {
	switch c {
	case CategoryLending, CategoryVault:
		return ActionWithdraw
	case CategoryLiquidity:
		return ActionRemoveLiquidity
	default:
		return ActionUnstake
	}
}

// Protocol is a registry entry.
type Protocol struct {
	Name      string                `yaml:"-" json:"name"`
	Address   string                `yaml:"address" json:"address"`
	Category  Category              `yaml:"category" json:"category"`
	Asset     string                `yaml:"asset" json:"asset"`
	Functions map[ActionKind]string `yaml:"functions" json:"functions,omitempty"`
}

// registryFile is the on-disk shape of a registry table.
type registryFile struct {
	Defaults  map[ActionKind]string `yaml:"defaults"`
	Protocols map[string]Protocol   `yaml:"protocols"`
}

// Registry maps protocols to contract addresses and (protocol, action) pairs
// to on-chain entry points. It is read-only after construction and safe for
// concurrent use.
type Registry struct {
	protocols map[string]Protocol
	defaults  map[ActionKind]string
}

// DefaultRegistry returns the registry built from the embedded table.
func DefaultRegistry() *Registry {
	r, err := parseRegistry(defaultRegistryYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded registry is invalid: %v", err))
	}
	return r
}

// LoadRegistry parses a YAML registry table.
func LoadRegistry(rd io.Reader) (*Registry, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return parseRegistry(data)
}

// LoadRegistryFile parses the registry table at path.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry file: %w", err)
	}
	defer f.Close()
	return LoadRegistry(f)
}

func parseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	r := &Registry{
		protocols: make(map[string]Protocol, len(file.Protocols)),
		defaults:  make(map[ActionKind]string, len(file.Defaults)),
	}
	for kind, fn := range file.Defaults {
		if _, err := ParseActionKind(string(kind)); err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
		r.defaults[kind] = fn
	}
	for name, p := range file.Protocols {
		key := NormalizeProtocol(name)
		if p.Address == "" {
			return nil, fmt.Errorf("protocol %q: address is required", name)
		}
		for kind := range p.Functions {
			if _, err := ParseActionKind(string(kind)); err != nil {
				return nil, fmt.Errorf("protocol %q: %w", name, err)
			}
		}
		if p.Category == "" {
			p.Category = CategoryStaking
		}
		p.Name = key
		r.protocols[key] = p
	}
	return r, nil
}

// AddressOf returns the contract address registered for protocol.
func (r *Registry) AddressOf(protocol string) (string, error) {
	p, ok := r.protocols[NormalizeProtocol(protocol)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProtocolNotFound, protocol)
	}
	return p.Address, nil
}

// FunctionOf resolves the entry point for an action on a protocol. An exact
// entry wins, then the per-action default, then a synthesized
// "::<action>::<action>" identifier. It never fails.
func (r *Registry) FunctionOf(protocol string, action ActionKind) string {
	if p, ok := r.protocols[NormalizeProtocol(protocol)]; ok {
		if fn, ok := p.Functions[action]; ok && fn != "" {
			return fn
		}
	}
	if fn, ok := r.defaults[action]; ok && fn != "" {
		return fn
	}
	return "::" + string(action) + "::" + string(action)
}

// Lookup returns the full registry entry for protocol.
func (r *Registry) Lookup(protocol string) (Protocol, bool) {
	p, ok := r.protocols[NormalizeProtocol(protocol)]
	return p, ok
}

// Protocols lists registered protocols sorted by name.
func (r *Registry) Protocols() []Protocol {
	out := make([]Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
