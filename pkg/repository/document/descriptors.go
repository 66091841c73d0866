package document

import (
	"sync"

	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// descriptorSet remembers the container metadata registered through EnsureContainer.
type descriptorSet struct {
	mu    sync.RWMutex
	descs map[string]repository.ContainerDescriptor
}

func newDescriptorSet() *descriptorSet {
	return &descriptorSet{descs: make(map[string]repository.ContainerDescriptor)}
}

func (s *descriptorSet) put(desc repository.ContainerDescriptor) {
	s.mu.Lock()
	s.descs[desc.Name] = desc
	s.mu.Unlock()
}

// get returns the registered descriptor, or one partitioned by id.
func (s *descriptorSet) get(name string) repository.ContainerDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if desc, ok := s.descs[name]; ok {
		return desc
	}
	return repository.ContainerDescriptor{Name: name, PartitionKeyPath: "/" + query.IDField}
}
