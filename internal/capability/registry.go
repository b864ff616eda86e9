package capability

import (
	"fmt"
	"sort"

	"theta-agents/internal/config"
	xerrors "theta-agents/internal/errors"
)

// Registry maps capability names to their resolved descriptors. It is built
// once from the configuration and is read-only afterwards, so it is safe to
// share between conversation threads.
type Registry struct {
	descriptors map[string]Descriptor
	names       []string
}

// NewRegistry resolves every configured capability.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor)}
	for _, name := range cfg.CapabilityNames() {
		entry, _ := cfg.Capability(name)
		r.descriptors[name] = DescriptorFrom(entry)
		r.names = append(r.names, name)
	}
	return r
}

// NewStaticRegistry builds a registry from fabricated descriptors.
func NewStaticRegistry(descs ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descs))}
	for _, desc := range descs {
		r.descriptors[desc.Name] = desc.clone()
	}
	for name := range r.descriptors {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	if r != nil {
		if desc, ok := r.descriptors[name]; ok {
			return desc.clone(), nil
		}
	}
	return Descriptor{}, xerrors.New(CodeUnknownCapability,
		fmt.Sprintf("未知的能力: %s", name),
		xerrors.WithMetadata("capability", name))
}

// Names returns the registered capability names in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}
